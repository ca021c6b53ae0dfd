package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumberedRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM stat WHERE stage = ?", "SELECT * FROM stat WHERE stage = $1"},
		{
			"INSERT INTO stat (stage, path) VALUES (?, ?)",
			"INSERT INTO stat (stage, path) VALUES ($1, $2)",
		},
		{
			"DELETE FROM stat WHERE stage = ? AND path LIKE ?",
			"DELETE FROM stat WHERE stage = $1 AND path LIKE $2",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, numbered(tt.in))
	}
}

func TestIdentityRebind(t *testing.T) {
	query := "SELECT * FROM stat WHERE stage = ?"
	assert.Equal(t, query, identity(query))
}

func TestColumnFor(t *testing.T) {
	assert.Equal(t, "icon_png", columnFor(TableIcon))
	assert.Equal(t, "index_json", columnFor(TableIndexJSON))
	assert.Equal(t, "about", columnFor(TableAbout))
}

func TestPlainPath(t *testing.T) {
	assert.Equal(t, "a-1.0-0.conda", plainPath("a-1.0-0.conda"))
	assert.Equal(t, "a-1.0-0.conda", plainPath("c0ffee00/linux-64/a-1.0-0.conda"))
}

func TestPrefixedStorePaths(t *testing.T) {
	s := &sqlStore{prefix: "c0ffee00/linux-64/", upstream: StageFs, rebind: numbered}
	assert.Equal(t, "c0ffee00/linux-64/a-1.0-0.conda", s.dbPath("a-1.0-0.conda"))
	assert.Equal(t, "c0ffee00/linux-64/%", s.pathLike())
}
