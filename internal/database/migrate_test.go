package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatementsCoversEveryTable(t *testing.T) {
	stmts := splitStatements(schema)
	assert.Len(t, stmts, 6)
	for _, table := range []string{"events", "signers", "transactions", "claims", "receiving_addresses", "subscription_locks"} {
		found := false
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
			}
		}
		assert.True(t, found, "missing table %s", table)
	}
}
