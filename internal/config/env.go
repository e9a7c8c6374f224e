package config

import (
	"errors"
	"log"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var envOnce sync.Once

func ensureEnvLoaded() {
	envOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("warning: failed to load .env file: %v", err)
		}
	})
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envUint64(k string, d uint64) uint64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

// envList splits a comma separated variable, dropping blanks.
func envList(k string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(k), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envGwei reads a gas price given in gwei (decimals allowed) and returns
// it in wei.
func envGwei(k string, d float64) *big.Int {
	g := envFloat(k, d)
	wei, _ := new(big.Float).Mul(big.NewFloat(g), big.NewFloat(1e9)).Int(nil)
	return wei
}

// envWei reads an integer wei amount.
func envWei(k string, d *big.Int) *big.Int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, ok := new(big.Int).SetString(v, 10); ok && n.Sign() >= 0 {
		return n
	}
	return d
}
