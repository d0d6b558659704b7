package celexpr_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/featurerules/engines/celexpr"
	"github.com/liamcoop/featurerules/rules"
)

type account struct {
	Plan  string `script:"plan"`
	Seats int    `script:"seats"`
}

type member struct {
	Role  string `script:"role"`
	Email string `json:"email"`
}

type team struct {
	account
	Name    string
	Members []member `script:"members"`
	Owner   *member  `script:"owner"`
}

func TestRunResults(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	scope := rules.Scope{
		"ctx": map[string]any{"plan": "pro", "seats": 12},
	}

	tests := []struct {
		expression string
		kind       rules.Kind
		want       bool
	}{
		{`ctx.plan == "pro"`, rules.KindBool, true},
		{`ctx.seats > 20`, rules.KindBool, false},
		{`"true"`, rules.KindString, true},
		{`"False"`, rules.KindString, false},
		{`ctx.seats`, rules.KindOther, false},
		{`[1, 2]`, rules.KindOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			t.Parallel()
			v, err := engine.Run(context.Background(), scope, tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.want, rules.Coerce(v))
		})
	}
}

func TestRunFaults(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	scope := rules.Scope{"ctx": map[string]any{"plan": "pro"}}

	for _, expression := range []string{
		`ctx.plan ==`,
		`unknown.field == 1`,
		`ctx.missing == "x"`,
		`1 / 0 == 1`,
	} {
		_, err := engine.Run(context.Background(), scope, expression)
		require.Error(t, err, expression)
	}
}

func TestRunNormalizesStructs(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	v, err := engine.Run(context.Background(),
		rules.Scope{"ctx": &account{Plan: "pro", Seats: 30}},
		`ctx.plan == "pro" && ctx.seats >= 25`)
	require.NoError(t, err)
	assert.True(t, rules.Coerce(v))
}

func TestEvaluatorWithCEL(t *testing.T) {
	t.Parallel()

	registry := rules.NewRegistry()
	require.NoError(t, celexpr.Register(registry))

	ev, err := rules.NewEvaluator(rules.RuleSet{
		"beta":   `plan == "pro"`,
		"broken": `plan.size(`,
	}, rules.Config{
		Registry:      registry,
		EngineName:    "CEL",
		OnScriptError: rules.AlwaysOnFault(true),
	})
	require.NoError(t, err)
	assert.Equal(t, celexpr.Name, ev.EngineName())

	enabled, err := ev.Evaluate("beta", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = ev.Evaluate("broken", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.True(t, enabled, "compile errors resolve through the script error policy")
}

func TestConcurrentRunSharesCache(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v, err := engine.Run(context.Background(), rules.Scope{"n": n}, `n % 2 == 0`)
				if err != nil {
					t.Errorf("Run failed: %v", err)
					return
				}
				if rules.Coerce(v) != (n%2 == 0) {
					t.Errorf("Run(%d) = %v", n, v)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRunNormalizesNestedValues(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	scope := rules.Scope{
		"ctx": map[string]any{
			"u": account{Plan: "pro"},
			"team": &team{
				account: account{Seats: 40},
				Name:    "core",
				Members: []member{{Role: "viewer"}, {Role: "admin", Email: "a@example.com"}},
			},
		},
	}

	tests := []struct {
		expression string
		want       bool
	}{
		{`ctx.u.plan == "pro"`, true},
		{`ctx.team.Name == "core"`, true},
		{`ctx.team.seats > 25`, true},
		{`ctx.team.members.exists(m, m.role == "admin")`, true},
		{`ctx.team.members[1].Email == "a@example.com"`, true},
		{`ctx.team.owner == null`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			t.Parallel()
			v, err := engine.Run(context.Background(), scope, tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rules.Coerce(v))
		})
	}

	// json tags do not rename fields
	_, err := engine.Run(context.Background(), scope, `ctx.team.members[1].email == "a@example.com"`)
	require.Error(t, err)
}

func TestProgramCacheKeyedByExpression(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{})
	ev, err := rules.NewEvaluator(rules.RuleSet{"f": "true"}, rules.Config{Engine: engine})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		enabled, err := ev.Evaluate("f", map[string]any{fmt.Sprintf("k%d", i): 1})
		require.NoError(t, err)
		require.True(t, enabled)
	}
	assert.Equal(t, 1, engine.CachedPrograms())
}

func TestProgramCacheIsBounded(t *testing.T) {
	t.Parallel()

	engine := celexpr.New(celexpr.Options{ProgramCacheSize: 8})
	for i := 0; i < 20; i++ {
		v, err := engine.Run(context.Background(), rules.Scope{"n": i}, fmt.Sprintf("n == %d", i))
		require.NoError(t, err)
		require.True(t, rules.Coerce(v))
	}
	assert.Equal(t, 8, engine.CachedPrograms())

	// evicted programs are compiled again on demand
	v, err := engine.Run(context.Background(), rules.Scope{"n": 0}, "n == 0")
	require.NoError(t, err)
	assert.True(t, rules.Coerce(v))
}
