// Package analysis is the task layer behind the guided "what-if" forms: it
// turns a task id plus form parameters into (a) a short display summary for
// the chat log, (b) the full prompt actually sent to the model and (c) a
// locally computed result usable when the remote call fails or is
// unnecessary. All money arithmetic uses decimals; float rounding on prices
// is how spreadsheets lose money.
package analysis

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"v64assist/backend/internal/model"
)

// Task identifiers accepted in a Payload.
const (
	TaskProfitAnalysis  = "profit-analysis"
	TaskPriceSuggestion = "price-suggestion"
	TaskBreakEven       = "break-even"
)

// Payload is a structured analysis request produced by a guided form.
type Payload struct {
	Task   string            `json:"task"`
	Params map[string]string `json:"params"`
}

// Built is the two-string output of prompt construction. Summary is what the
// chat history shows for the user turn; Prompt is what goes upstream. They
// diverge deliberately so long generated prompts do not clutter the history.
type Built struct {
	Summary string
	Prompt  string
}

var promptFooter = strings.TrimSpace(`
Trả lời bằng tiếng Việt. Kết thúc câu trả lời bằng một khối JSON theo định dạng:
` + "```json" + `
{"summary": "...", "analysis": "...", "charts": [{"type": "bar", "title": "...", "unit": "...", "data": [{"name": "...", "value": 0}]}]}
` + "```")

// Build constructs the display summary and full prompt for a payload,
// resolving product cost/price from the business profile when the form left
// them blank.
func Build(p Payload, profile *model.BusinessProfile) (Built, error) {
	in, err := resolveInputs(p, profile)
	if err != nil {
		return Built{}, err
	}

	switch p.Task {
	case TaskProfitAnalysis:
		return Built{
			Summary: fmt.Sprintf("Phân tích lợi nhuận: %s (%s sp, giá %s₫)", in.productName, in.quantity, in.price.StringFixed(0)),
			Prompt: fmt.Sprintf(
				"Phân tích lợi nhuận cho sản phẩm %q với số lượng %s, giá bán %s₫/sp, giá vốn %s₫/sp. "+
					"Tính doanh thu, tổng chi phí, lợi nhuận và biên lợi nhuận, kèm nhận xét.\n\n%s",
				in.productName, in.quantity, in.price.StringFixed(0), in.cost.StringFixed(0), promptFooter),
		}, nil
	case TaskPriceSuggestion:
		return Built{
			Summary: fmt.Sprintf("Gợi ý giá bán: %s (biên mục tiêu %s%%)", in.productName, in.targetMargin.StringFixed(0)),
			Prompt: fmt.Sprintf(
				"Đề xuất giá bán cho sản phẩm %q với giá vốn %s₫/sp và biên lợi nhuận mục tiêu %s%%. "+
					"So sánh với giá hiện tại %s₫ nếu phù hợp.\n\n%s",
				in.productName, in.cost.StringFixed(0), in.targetMargin.StringFixed(0), in.price.StringFixed(0), promptFooter),
		}, nil
	case TaskBreakEven:
		return Built{
			Summary: fmt.Sprintf("Điểm hòa vốn: %s (chi phí cố định %s₫)", in.productName, in.fixedCosts.StringFixed(0)),
			Prompt: fmt.Sprintf(
				"Tính điểm hòa vốn cho sản phẩm %q: chi phí cố định %s₫, giá bán %s₫/sp, giá vốn %s₫/sp.\n\n%s",
				in.productName, in.fixedCosts.StringFixed(0), in.price.StringFixed(0), in.cost.StringFixed(0), promptFooter),
		}, nil
	default:
		return Built{}, fmt.Errorf("unknown analysis task %q", p.Task)
	}
}

// LocalFallback computes the analysis offline. The second return value is
// false when the task has no offline form or the inputs are unusable.
func LocalFallback(p Payload, profile *model.BusinessProfile) (*model.AnalysisResult, bool) {
	in, err := resolveInputs(p, profile)
	if err != nil {
		return nil, false
	}

	switch p.Task {
	case TaskProfitAnalysis:
		qty, err := decimal.NewFromString(in.quantity)
		if err != nil || qty.IsZero() {
			return nil, false
		}
		revenue := in.price.Mul(qty)
		totalCost := in.cost.Mul(qty)
		profit := revenue.Sub(totalCost)
		var margin decimal.Decimal
		if !revenue.IsZero() {
			margin = profit.Div(revenue).Mul(decimal.NewFromInt(100))
		}
		return &model.AnalysisResult{
			Summary: fmt.Sprintf("Lợi nhuận ước tính %s₫ trên doanh thu %s₫.", profit.StringFixed(0), revenue.StringFixed(0)),
			Analysis: fmt.Sprintf(
				"Với %s sản phẩm %q: doanh thu %s₫, tổng chi phí %s₫, lợi nhuận %s₫ (biên %s%%). Kết quả được tính cục bộ do không gọi được dịch vụ phân tích.",
				in.quantity, in.productName, revenue.StringFixed(0), totalCost.StringFixed(0), profit.StringFixed(0), margin.StringFixed(1)),
			Charts: []model.Chart{{
				Type:  "bar",
				Title: "Doanh thu - Chi phí - Lợi nhuận",
				Unit:  "₫",
				Data: []model.ChartPoint{
					{Name: "Doanh thu", Value: toFloat(revenue)},
					{Name: "Chi phí", Value: toFloat(totalCost)},
					{Name: "Lợi nhuận", Value: toFloat(profit)},
				},
			}},
		}, true
	case TaskBreakEven:
		unitMargin := in.price.Sub(in.cost)
		if unitMargin.Sign() <= 0 || in.fixedCosts.Sign() <= 0 {
			return nil, false
		}
		units := in.fixedCosts.Div(unitMargin).Ceil()
		return &model.AnalysisResult{
			Summary: fmt.Sprintf("Cần bán khoảng %s sản phẩm để hòa vốn.", units.StringFixed(0)),
			Analysis: fmt.Sprintf(
				"Điểm hòa vốn của %q: chi phí cố định %s₫ chia cho lãi gộp %s₫/sp cho ra %s sản phẩm. Kết quả được tính cục bộ do không gọi được dịch vụ phân tích.",
				in.productName, in.fixedCosts.StringFixed(0), unitMargin.StringFixed(0), units.StringFixed(0)),
			Charts: []model.Chart{{
				Type:  "bar",
				Title: "Điểm hòa vốn",
				Unit:  "sp",
				Data:  []model.ChartPoint{{Name: "Số lượng hòa vốn", Value: toFloat(units)}},
			}},
		}, true
	default:
		// Price suggestion depends on market context the local math cannot
		// supply, so it has no offline form.
		return nil, false
	}
}

type inputs struct {
	productName  string
	quantity     string
	price        decimal.Decimal
	cost         decimal.Decimal
	targetMargin decimal.Decimal
	fixedCosts   decimal.Decimal
}

func resolveInputs(p Payload, profile *model.BusinessProfile) (inputs, error) {
	in := inputs{
		productName: p.Params["product_name"],
		quantity:    p.Params["quantity"],
	}
	if in.productName == "" {
		return in, fmt.Errorf("analysis payload missing product_name")
	}
	if in.quantity == "" {
		in.quantity = "1"
	}

	var product *model.Product
	if profile != nil {
		for i := range profile.Products {
			if strings.EqualFold(profile.Products[i].Name, in.productName) || profile.Products[i].SKU == in.productName {
				product = &profile.Products[i]
				break
			}
		}
	}

	in.price = paramDecimal(p.Params, "price")
	if in.price.IsZero() && product != nil {
		in.price = product.Price
	}
	in.cost = paramDecimal(p.Params, "cost")
	if in.cost.IsZero() {
		if product != nil && !product.Cost.IsZero() {
			in.cost = product.Cost
		} else if profile != nil {
			d := profile.Defaults
			in.cost = d.MaterialPerUnit.Add(d.LaborPerUnit).Add(d.OverheadPerUnit)
		}
	}
	in.targetMargin = paramDecimal(p.Params, "target_margin")
	in.fixedCosts = paramDecimal(p.Params, "fixed_costs")
	return in, nil
}

func paramDecimal(params map[string]string, key string) decimal.Decimal {
	raw, ok := params[key]
	if !ok || raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
