// env2badger 把 .env 中的凭证（VAST_API_KEY 等）导入加密的 badger secret store，
// 之后 bidder 通过 GPUBID_SECRET_DB / GPUBID_SECRET_KEY 读取，.env 可以删除。
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/betbot/gpubid/pkg/secretstore"
)

func main() {
	var (
		inPath    = flag.StringP("in", "i", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("GPUBID_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("GPUBID_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
	)
	flag.Parse()

	if err := importEnv(*inPath, *dbPath, *secretKey, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

func importEnv(inPath, dbPath, secretKey string, out io.Writer) error {
	keyBytes, err := secretstore.ParseKey(secretKey)
	if err != nil {
		return err
	}
	if keyBytes == nil {
		return errors.New("secret key is required: set GPUBID_SECRET_KEY or pass --secret-key")
	}

	kv, err := godotenv.Read(inPath)
	if err != nil {
		return errors.Wrapf(err, "read %s", inPath)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		return err
	}
	defer ss.Close()

	names, err := ss.ImportEnv(kv)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "已导入 %d 项到 badger：%s（前缀 %s）\n", len(names), dbPath, secretstore.EnvPrefix)
	if len(names) > 0 {
		fmt.Fprintf(out, "  %s\n", strings.Join(names, ", "))
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
