package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/optbot/gotrader/pkg/secretstore"
)

// env2secret: 把 .env 里的网关凭据导入加密凭据库。
// 凭据只在导入这一步接触明文文件，引擎运行时只读凭据库。
func main() {
	var (
		inPath    = flag.String("in", ".env", ".env 文件路径")
		dbPath    = flag.String("db", getenv("SECRETSTORE_PATH", "data/secrets"), "凭据库路径")
		secretKey = flag.String("secret-key", getenv("SECRETSTORE_KEY", ""), "32 字节加密密钥（base64/hex）")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("缺少加密密钥：设置 SECRETSTORE_KEY 或传 -secret-key"))
	}

	kv, err := parseDotEnvFile(*inPath)
	if err != nil {
		fatal(err)
	}

	creds := secretstore.Credentials{
		AppKey:      kv["BROKER_APP_KEY"],
		AppSecret:   kv["BROKER_APP_SECRET"],
		AccessToken: kv["BROKER_ACCESS_TOKEN"],
		AccountID:   kv["BROKER_ACCOUNT_ID"],
	}
	if creds.AppKey == "" || creds.AppSecret == "" || creds.AccessToken == "" {
		fatal(fmt.Errorf("%s 缺少 BROKER_APP_KEY / BROKER_APP_SECRET / BROKER_ACCESS_TOKEN", *inPath))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.SaveCredentials(creds); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已导入网关凭据到 %s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

func parseDotEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		l := strings.TrimSpace(strings.TrimRight(line, "\r"))
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		if !strings.Contains(l, "=") {
			continue
		}
		parts := strings.SplitN(l, "=", 2)
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" {
			continue
		}
		if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
			v = v[1 : len(v)-1]
		}
		out[k] = v
	}
	return out, nil
}
