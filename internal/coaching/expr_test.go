package coaching

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Evaluates(t *testing.T) {
	ctx := Context{
		TalkRatio:  0.8,
		Sentiment:  -0.6,
		Objections: 3,
		Questions:  0,
		Text:       "That is way too EXPENSIVE for us",
		Speaker:    "customer",
		Duration:   200 * time.Second,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"talk_ratio > 0.7", true},
		{"talk_ratio >= 0.8", true},
		{"talk_ratio < 0.7", false},
		{"sentiment < -0.5", true},
		{"sentiment <= -0.7", false},
		{"objections >= 3", true},
		{"objections == 3", true},
		{"objections != 3", false},
		{`text contains "expensive"`, true},
		{`text contains 'cost'`, false},
		{`text contains "expensive" || text contains "cost"`, true},
		{`speaker == "rep" && text_length > 5`, false},
		{`speaker != "rep"`, true},
		{"duration > 180 && questions == 0", true},
		{"word_count == 7", true},
		{"!(questions > 0)", true},
		{"!(talk_ratio > 0.5) || objections > 10", false},
		{"(talk_ratio > 0.9 || sentiment < 0) && objections > 2", true},
		{"true", true},
		{"false || !true", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Eval(ctx))
			assert.Equal(t, tt.expr, p.String())
		})
	}
}

func TestCompile_Precedence(t *testing.T) {
	// && binds tighter than ||
	p := MustCompile("talk_ratio > 0.5 || objections > 5 && sentiment > 0")
	assert.True(t, p.Eval(Context{TalkRatio: 0.6}))

	p = MustCompile("(talk_ratio > 0.5 || objections > 5) && sentiment > 0")
	assert.False(t, p.Eval(Context{TalkRatio: 0.6}))
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		expr string
		err  error
	}{
		{"", ErrSyntax},
		{"talk_ratio >", ErrSyntax},
		{"(talk_ratio > 1", ErrSyntax},
		{`text contains "open`, ErrSyntax},
		{"talk_ratio > 0.7 )", ErrSyntax},
		{"talk_ratio ; 1", ErrSyntax},
		{"1.2.3 > 1", ErrSyntax},
		{"os.Exit(1)", ErrUnknownField},
		{"balance > 0.7", ErrUnknownField},
		{`talk_ratio > "high"`, ErrTypeMismatch},
		{`speaker contains 5`, ErrTypeMismatch},
		{`speaker == 1`, ErrTypeMismatch},
		{"talk_ratio", ErrTypeMismatch},
		{"!objections", ErrTypeMismatch},
		{"objections && true", ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Compile(tt.expr)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCompile_NestingLimit(t *testing.T) {
	deepParens := strings.Repeat("(", 100) + "questions > 0" + strings.Repeat(")", 100)
	_, err := Compile(deepParens)
	require.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), "nesting")

	_, err = Compile(strings.Repeat("!", 100) + "(questions > 0)")
	require.ErrorIs(t, err, ErrSyntax)

	_, err = Compile(strings.Repeat("x", maxExprLen+1))
	require.ErrorIs(t, err, ErrSyntax)

	p, err := Compile(strings.Repeat("(", 60) + "questions > 0" + strings.Repeat(")", 60))
	require.NoError(t, err)
	assert.True(t, p.Eval(Context{Questions: 1}))
}

func TestCompile_TextLengthCountsRunes(t *testing.T) {
	p := MustCompile("text_length > 500")
	assert.False(t, p.Eval(Context{Text: strings.Repeat("é", 500)}))
	assert.True(t, p.Eval(Context{Text: strings.Repeat("é", 501)}))
}

func TestFields(t *testing.T) {
	assert.ElementsMatch(t, []string{
		"talk_ratio", "sentiment", "objections", "questions", "text",
		"text_length", "word_count", "speaker", "duration",
	}, Fields())
}
