package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort      int    `mapstructure:"APP_PORT"`
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	GenAIURL     string `mapstructure:"GENAI_URL"`
	GenAIKey     string `mapstructure:"GENAI_API_KEY"`
	MainModel    string `mapstructure:"MAIN_MODEL"`
	SupportModel string `mapstructure:"SUPPORT_MODEL"`
	SystemPrompt string `mapstructure:"SYSTEM_PROMPT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 8000)
	viper.SetDefault("DATABASE_PATH", "/data/v64assist.db")
	viper.SetDefault("GENAI_URL", "https://generativelanguage.googleapis.com")
	viper.SetDefault("GENAI_API_KEY", "")
	viper.SetDefault("MAIN_MODEL", "gemini-2.0-flash")
	viper.SetDefault("SUPPORT_MODEL", "gemini-2.0-flash-lite")
	viper.SetDefault("SYSTEM_PROMPT", "Bạn là trợ lý kinh doanh cho một công ty may mặc Việt Nam. Trả lời ngắn gọn, rõ ràng.")
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./backend")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
