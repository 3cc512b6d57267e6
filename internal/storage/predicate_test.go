package storage

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	assert.True(t, K("account", 1).Less(K("account", 2)))
	assert.True(t, K("account", 9).Less(K("item", 1)))
	assert.Equal(t, 0, K("item", 3).Compare(K("item", 3)))
	assert.Equal(t, "account/7", K("account", 7).String())
}

func TestRowCloneNormalizesIntegers(t *testing.T) {
	in := Row{"balance": 500, "qty": int32(3), "name": "alice"}
	out := in.Clone()

	assert.Equal(t, int64(500), out["balance"])
	assert.Equal(t, int64(3), out["qty"])

	out["name"] = "bob"
	assert.Equal(t, "alice", in["name"], "clone must not alias the source")

	assert.True(t, in.Equal(out.With("name", "alice")))
	assert.Nil(t, Row(nil).Clone())
}

func TestRowCloneSaturatesLargeUnsigned(t *testing.T) {
	out := Row{"big": uint64(math.MaxUint64), "edge": uint64(math.MaxInt64), "small": uint(7)}.Clone()

	assert.Equal(t, int64(math.MaxInt64), out["big"])
	assert.Equal(t, int64(math.MaxInt64), out["edge"])
	assert.Equal(t, int64(7), out["small"])

	n, ok := Row{"big": uint64(math.MaxInt64 + 1)}.Int("big")
	require.True(t, ok)
	assert.Positive(t, n)
	assert.True(t, Where("t", Gt("n", 0)).Matches(K("t", 1), Row{"n": uint64(math.MaxUint64)}))
}

func TestRowString(t *testing.T) {
	assert.Equal(t, "{balance=500 name=bob}", Row{"name": "bob", "balance": 500}.String())
}

func TestPredicateMatches(t *testing.T) {
	key := K("items", 1)
	row := Row{"quantity": int64(1), "name": "lamp", "available": true}

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"whole table", Where("items"), true},
		{"other table", Where("accounts"), false},
		{"gt holds", Where("items", Gt("quantity", 0)), true},
		{"gt fails", Where("items", Gt("quantity", 1)), false},
		{"id pseudo column", Where("items", Eq(IDColumn, 1), Gt("quantity", 0)), true},
		{"id mismatch", Where("items", Eq(IDColumn, 2)), false},
		{"string eq", Where("items", Eq("name", "lamp")), true},
		{"bool eq", Where("items", Eq("available", true)), true},
		{"bool is not ordered", Where("items", Gt("available", false)), false},
		{"missing column", Where("items", Eq("color", "red")), false},
		{"type mismatch", Where("items", Eq("quantity", "1")), false},
		{"int against float", Where("items", Le("quantity", 1.5)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Matches(key, row))
		})
	}

	assert.False(t, Where("items").Matches(key, nil), "a deleted row never matches")
	assert.True(t, Where("items", Gt("quantity", 0)).MatchesAny(key, nil, row))
}

func TestPredicateString(t *testing.T) {
	p := Where("employees", Eq("birthday", "1990-05-01"), Ge("salary", 100))
	assert.Equal(t, "employees WHERE birthday = 1990-05-01 AND salary >= 100", p.String())
}

func TestParseIsolationLevel(t *testing.T) {
	for _, l := range Levels() {
		got, err := ParseIsolationLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}

	got, err := ParseIsolationLevel("REPEATABLE READ")
	require.NoError(t, err)
	assert.Equal(t, RepeatableRead, got)

	got, err = ParseIsolationLevel("read_uncommitted")
	require.NoError(t, err)
	assert.Equal(t, ReadUncommitted, got)

	_, err = ParseIsolationLevel("snapshot")
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.Wrap(ErrLockTimeout, "acquire")))
	assert.True(t, IsRetryable(ErrDeadlockAborted))
	assert.True(t, IsRetryable(errors.Wrapf(ErrSerializationConflict, "commit tx %d", 3)))
	assert.False(t, IsRetryable(NotFound(K("account", 1))))
	assert.False(t, IsRetryable(nil))
	assert.True(t, errors.Is(NotFound(K("account", 1)), ErrNotFound))
}
