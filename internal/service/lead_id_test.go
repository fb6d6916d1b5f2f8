package service

import (
	"regexp"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var leadIDPattern = regexp.MustCompile(`^LD-\d{6}-[0-9A-HJKMNP-TV-Z]{6}$`)

func TestNewLeadID_Format(t *testing.T) {
	id, err := NewLeadID(time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Regexp(t, leadIDPattern, id)
	assert.Equal(t, "LD-260309-", id[:10])
}

func TestNewLeadID_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ids match the format and embed the UTC date", prop.ForAll(
		func(unix int64) bool {
			now := time.Unix(unix, 0)
			id, err := NewLeadID(now)
			if err != nil {
				return false
			}
			return leadIDPattern.MatchString(id) && id[3:9] == now.UTC().Format("060102")
		},
		gen.Int64Range(946684800, 4102444800), // 2000..2100
	))

	properties.TestingRun(t)
}

func TestNewLeadID_Distinct(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewLeadID(now)
		require.NoError(t, err)
		seen[id] = true
	}
	// 32^6 space; a handful of collisions in 1000 draws would indicate a broken source
	assert.Greater(t, len(seen), 995)
}
