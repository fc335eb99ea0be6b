package polls

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type strategySet map[string]bool

func (s strategySet) Has(id string) bool { return s[id] }

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	return NewBuilder(strategySet{"erc20:XYZ": true}, func() time.Time { return fixedNow })
}

func validSubmission(options int) Submission {
	sub := Submission{
		Title:           "Treasury allocation",
		Description:     "Where should Q3 grants go?",
		GuildID:         "851552281249972254",
		ChannelID:       "900000000000000001",
		TokenStrategyID: "erc20:XYZ",
		BlockHeight:     json.RawMessage(`"1000"`),
		EndTime:         fixedNow.Add(48 * time.Hour).Format(time.RFC3339),
	}
	for i := 0; i < options; i++ {
		sub.Options = append(sub.Options, OptionInput{Label: fmt.Sprintf("Option %d", i+1)})
	}
	return sub
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %v", err)
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field)
	}
	return fields
}

func TestBuildOptionBounds(t *testing.T) {
	b := newTestBuilder()
	author := uuid.New()

	_, err := b.Build(validSubmission(0), author)
	require.Contains(t, fieldsOf(t, err), "options")

	_, err = b.Build(validSubmission(11), author)
	require.Contains(t, fieldsOf(t, err), "options")

	poll, err := b.Build(validSubmission(10), author)
	require.NoError(t, err)
	require.Len(t, poll.Options, 10)
	seen := map[string]bool{}
	for i, opt := range poll.Options {
		require.Equal(t, Markers[i], opt.Marker)
		require.False(t, seen[opt.Marker])
		seen[opt.Marker] = true
		require.NotEmpty(t, opt.ID)
	}
}

func TestBuildReportsEveryMissingField(t *testing.T) {
	_, err := newTestBuilder().Build(Submission{Options: []OptionInput{{Label: " "}}}, uuid.New())
	require.ElementsMatch(t, []string{
		"title", "description", "guild_id", "channel_id", "end_time",
		"token_strategy_id", "block_height", "options[0].label",
	}, fieldsOf(t, err))
}

func TestBuildRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Submission)
		field  string
	}{
		"past end time":      {func(s *Submission) { s.EndTime = fixedNow.Add(-time.Minute).Format(time.RFC3339) }, "end_time"},
		"end time now":       {func(s *Submission) { s.EndTime = fixedNow.Format(time.RFC3339) }, "end_time"},
		"bad end time":       {func(s *Submission) { s.EndTime = "tomorrow" }, "end_time"},
		"zero height":        {func(s *Submission) { s.BlockHeight = json.RawMessage(`0`) }, "block_height"},
		"negative height":    {func(s *Submission) { s.BlockHeight = json.RawMessage(`"-5"`) }, "block_height"},
		"fractional height":  {func(s *Submission) { s.BlockHeight = json.RawMessage(`10.5`) }, "block_height"},
		"unknown strategy":   {func(s *Submission) { s.TokenStrategyID = "nft:ABC" }, "token_strategy_id"},
		"unknown marker":     {func(s *Submission) { s.Options[0].Marker = "X" }, "options[0].marker"},
		"duplicate optionid": {func(s *Submission) { s.Options[0].ID, s.Options[1].ID = "a", "a" }, "options[1].id"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sub := validSubmission(2)
			tc.mutate(&sub)
			_, err := newTestBuilder().Build(sub, uuid.New())
			require.Contains(t, fieldsOf(t, err), tc.field)
		})
	}
}

func TestBuildNormalizesFields(t *testing.T) {
	sub := validSubmission(2)
	sub.BlockHeight = json.RawMessage(`1000`)
	sub.AllowOptionsForAnyone = true
	sub.RoleRestrictions = []string{" admin ", "", "admin", "mod"}
	sub.Title = "  Ｔｒｅａｓｕｒｙ  "

	poll, err := newTestBuilder().Build(sub, uuid.New())
	require.NoError(t, err)
	require.False(t, poll.AllowOptionsForAnyone)
	require.EqualValues(t, 1000, poll.SnapshotBlockHeight)
	require.Equal(t, []string{"admin", "mod"}, poll.RoleRestrictions)
	require.Equal(t, "Treasury", poll.Title)
	require.True(t, poll.EndTime.After(fixedNow))

	sub.RoleRestrictions = nil
	poll, err = newTestBuilder().Build(sub, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, poll.RoleRestrictions)
	require.Empty(t, poll.RoleRestrictions)
	require.False(t, poll.Restricted())
}

func TestBuildPreservesEditedMarkers(t *testing.T) {
	sub := validSubmission(0)
	sub.Options = []OptionInput{
		{Label: "new first"},
		{ID: "opt-a", Label: "kept A", Marker: Markers[0]},
		{ID: "opt-b", Label: "kept B", Marker: Markers[2]},
		{Label: "new last"},
	}
	poll, err := newTestBuilder().Build(sub, uuid.New())
	require.NoError(t, err)

	require.Equal(t, "opt-a", poll.Options[1].ID)
	require.Equal(t, Markers[0], poll.Options[1].Marker)
	require.Equal(t, "opt-b", poll.Options[2].ID)
	require.Equal(t, Markers[2], poll.Options[2].Marker)
	// Position 0 is taken by the edited option, so the first new option
	// gets the lowest free marker; position 3 is free and used as-is.
	require.Equal(t, Markers[1], poll.Options[0].Marker)
	require.Equal(t, Markers[3], poll.Options[3].Marker)
}

func TestBuildDuplicateMarkerFirstClaimWins(t *testing.T) {
	sub := validSubmission(0)
	sub.Options = []OptionInput{
		{ID: "a", Label: "A", Marker: Markers[4]},
		{ID: "b", Label: "B", Marker: Markers[4]},
	}
	poll, err := newTestBuilder().Build(sub, uuid.New())
	require.NoError(t, err)
	require.Equal(t, Markers[4], poll.Options[0].Marker)
	require.Equal(t, Markers[1], poll.Options[1].Marker)
}
