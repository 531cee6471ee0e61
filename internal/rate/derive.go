package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// credentials: provider options 中与分组相关的字段。
type credentials struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	Host      string `json:"host"`
}

// KeyFor 由客户端名与其原样 options 推导分组键：同一 API Key（ollama 为同一 host）的 provider 共享额度。
// 云端客户端取不到 Key 时返回错误，由调用方决定回退。
func KeyFor(client string, options json.RawMessage) (Key, error) {
	var c credentials
	if len(options) > 0 {
		if err := json.Unmarshal(options, &c); err != nil {
			return "", fmt.Errorf("rate: options of %s: %w", client, err)
		}
	}
	secret := c.APIKey
	if secret == "" && c.APIKeyEnv != "" {
		secret = os.Getenv(c.APIKeyEnv)
	}
	switch client {
	case "mock", "flaky":
		if secret == "" {
			secret = strings.ToUpper(client) + "_DEBUG_KEY"
		}
	case "ollama":
		secret = firstNonEmpty(c.Host, os.Getenv("OLLAMA_HOST"), "local")
	}
	if secret == "" {
		return "", fmt.Errorf("rate: no api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(secret))
	return Key(client + ":" + hex.EncodeToString(sum[:])), nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
