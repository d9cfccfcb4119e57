package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	LLMModel      string
	LLMAPIKey     string
	LLMBaseURL    string
	MaxIterations int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("TURBINE_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("TURBINE_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("TURBINE_DB_PATH", filepath.Join(dataDir, "turbine.db")),

		LLMModel:      getEnv("TURBINE_LLM_MODEL", ""),
		LLMAPIKey:     getEnv("TURBINE_LLM_API_KEY", ""),
		LLMBaseURL:    getEnv("TURBINE_LLM_BASE_URL", ""),
		MaxIterations: getEnvInt("TURBINE_MAX_ITERATIONS", 24),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return fallback
	}
	return n
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
