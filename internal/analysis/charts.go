package analysis

import "v64assist/backend/internal/model"

// BuildComponents derives the renderable chart units for a finished analysis
// message, one per descriptor and in descriptor order. It is a pure function
// of its input: only the descriptors are persisted, so this runs again on
// every conversation load and must reproduce the same output each time.
func BuildComponents(charts []model.Chart) []model.ChartComponent {
	if len(charts) == 0 {
		return nil
	}
	components := make([]model.ChartComponent, 0, len(charts))
	for _, c := range charts {
		points := make([]model.ChartPoint, len(c.Data))
		copy(points, c.Data)
		components = append(components, model.ChartComponent{
			Kind:   c.Type,
			Title:  c.Title,
			Unit:   c.Unit,
			Points: points,
		})
	}
	return components
}
