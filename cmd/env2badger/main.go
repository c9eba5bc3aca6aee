// env2badger imports a .env file into the badger store under env/<KEY>, where
// the server's env lookup falls back to when a variable is not set.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/bothost/pkg/secretstore"
)

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("BOTHOST_BADGER_PATH", "data/secrets"), "badger db path")
		secretKey = flag.String("secret-key", getenv("BOTHOST_BADGER_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		prefix    = flag.String("prefix", "env/", "key prefix inside badger")
		dryRun    = flag.Bool("dry-run", false, "only print the keys that would be written")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set BOTHOST_BADGER_KEY or pass -secret-key"))
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if *dryRun {
		for _, k := range keys {
			fmt.Println((*prefix) + k)
		}
		return
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	for _, k := range keys {
		if err := ss.SetString((*prefix)+k, kv[k]); err != nil {
			fatal(err)
		}
	}

	fmt.Fprintf(os.Stderr, "已导入 %d 项到 badger：%s（前缀 %s）\n", len(keys), *dbPath, *prefix)
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
