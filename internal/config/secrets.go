package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"regexp"

	"github.com/rs/zerolog/log"
)

// SecretKeys are the entries refreshed by the generate command.
var SecretKeys = []string{
	"APP_KEY",
	"SECRET_OTP",
	"JWT_SECRET_ACCESS_TOKEN",
	"JWT_SECRET_REFRESH_TOKEN",
}

// ErrMissingEnv is returned when the env file to update does not exist.
var ErrMissingEnv = errors.New("Missing env!!!\nCopy / Duplicate '.env.example' root directory to '.env'")

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns a random alphanumeric string of length n.
func RandomString(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = alphanumeric[idx.Int64()]
	}
	return string(buf), nil
}

// GenerateSecrets writes a fresh random value for every key into the env file
// at path and returns the new values. Existing KEY= lines are rewritten in
// place and missing keys are prepended, leaving every other line untouched.
func GenerateSecrets(path string, keys []string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissingEnv
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	env := string(raw)

	generated := make(map[string]string, len(keys))
	for _, key := range keys {
		secret, err := RandomString(32)
		if err != nil {
			return nil, err
		}

		line := regexp.MustCompile(`(?m)^(?:export[ \t]+)?` + regexp.QuoteMeta(key) + `[ \t]*=[^\r\n]*`)
		if line.MatchString(env) {
			log.Info().Str("key", key).Msg("Refresh secret")
			env = line.ReplaceAllLiteralString(env, key+"="+secret)
		} else {
			log.Info().Str("key", key).Msg("Generate secret")
			env = key + "=" + secret + "\n\n" + env
		}
		generated[key] = secret
	}

	if err := os.WriteFile(path, []byte(env), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return generated, nil
}

// EnsureDirs creates the runtime directories the service writes into.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
