package setting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() Params {
	return Params{
		Title:               "Sample Agreement",
		Content:             []byte{0xab, 0xcd},
		Arbitrator:          "court",
		CollateralToken:     "ANT",
		ActionCollateral:    10,
		ChallengeCollateral: 5,
		ChallengeDuration:   72 * time.Hour,
		SettlementDuration:  24 * time.Hour,
		DelayPeriod:         time.Hour,
	}
}

func TestRegistryAppendsSequentialIDs(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := r.Current()
	require.ErrorIs(t, err, ErrSettingDoesNotExist)
	assert.Zero(t, r.CurrentID())

	first, err := r.Add(validParams(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID)

	p := validParams()
	p.ActionCollateral = 99
	second, err := r.Add(p, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)

	current, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, second, current)

	old, err := r.At(1)
	require.NoError(t, err)
	assert.Equal(t, first, old)
	assert.EqualValues(t, 10, old.ActionCollateral, "earlier settings must not change")
}

func TestRegistryAtBounds(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(validParams(), time.Now())
	require.NoError(t, err)

	_, err = r.At(0)
	require.ErrorIs(t, err, ErrSettingDoesNotExist)
	_, err = r.At(2)
	require.ErrorIs(t, err, ErrSettingDoesNotExist)
}

func TestAddCopiesContent(t *testing.T) {
	r := NewRegistry()
	p := validParams()
	s, err := r.Add(p, time.Now())
	require.NoError(t, err)

	p.Content[0] = 0x00
	assert.Equal(t, byte(0xab), s.Content[0])
}

func TestReadsDoNotAliasStoredContent(t *testing.T) {
	r := NewRegistry()
	added, err := r.Add(validParams(), time.Now())
	require.NoError(t, err)
	added.Content[0] = 0x00

	got, err := r.At(1)
	require.NoError(t, err)
	got.Content[1] = 0x00

	current, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, current.Content)
}

func TestParamsValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Params)
		want   error
	}{
		"missing arbitrator": {func(p *Params) { p.Arbitrator = "" }, ErrInvalidArbitrator},
		"missing token":      {func(p *Params) { p.CollateralToken = "" }, ErrInvalidCollateralToken},
		"zero challenge":     {func(p *Params) { p.ChallengeDuration = 0 }, ErrInvalidDuration},
		"zero settlement":    {func(p *Params) { p.SettlementDuration = 0 }, ErrInvalidDuration},
		"negative delay":     {func(p *Params) { p.DelayPeriod = -time.Second }, ErrInvalidDuration},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			require.ErrorIs(t, p.Validate(), tc.want)
		})
	}
}

func TestChallengeWindowComposition(t *testing.T) {
	s := Setting{ChallengeDuration: 72 * time.Hour, DelayPeriod: 2 * time.Hour}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	start, end := s.ChallengeWindow(at)
	assert.Equal(t, at.Add(2*time.Hour), start)
	assert.Equal(t, at.Add(74*time.Hour), end)
}
