package draw

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
)

func TestConstraints_IsLegal(t *testing.T) {
	roster := []int64{1, 2, 3}
	c := NewConstraints(roster, []dx.ExclusionRule{{Giver: 1, ForbiddenReceiver: 2}})

	tests := []struct {
		name     string
		giver    int64
		receiver int64
		prior    map[int64]int64
		want     bool
	}{
		{"self", 1, 1, nil, false},
		{"excluded", 1, 2, nil, false},
		{"exclusion is directed", 2, 1, nil, true},
		{"reciprocal blocked", 3, 2, map[int64]int64{2: 3}, false},
		{"unrelated prior", 3, 1, map[int64]int64{2: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsLegal(tt.giver, tt.receiver, tt.prior))
		})
	}
}

func TestConstraints_ReciprocalRelaxedForTwo(t *testing.T) {
	c := NewConstraints([]int64{1, 2}, nil)
	assert.True(t, c.IsLegal(2, 1, map[int64]int64{1: 2}))
}

func TestConstraints_SelfExclusionIsRedundant(t *testing.T) {
	c := NewConstraints([]int64{1, 2, 3}, []dx.ExclusionRule{{Giver: 1, ForbiddenReceiver: 1}})
	assert.True(t, c.IsLegal(1, 2, nil))
	assert.True(t, c.IsLegal(1, 3, nil))
}

func TestConstraints_Validate(t *testing.T) {
	roster := []int64{1, 2, 3}
	c := NewConstraints(roster, []dx.ExclusionRule{{Giver: 3, ForbiddenReceiver: 2}})

	assert.NoError(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 3}, {Giver: 3, Receiver: 1}}))
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 3}}), "missing giver")
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 1}, {Giver: 2, Receiver: 3}, {Giver: 3, Receiver: 2}}), "fixed point")
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 3}, {Giver: 2, Receiver: 1}, {Giver: 3, Receiver: 2}}), "excluded pair")
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 1}, {Giver: 3, Receiver: 3}}), "reciprocal")
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 2}, {Giver: 3, Receiver: 1}}), "duplicate receiver")
	assert.Error(t, c.Validate(roster, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 3}, {Giver: 4, Receiver: 1}}), "stranger")
}
