package compiler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
)

type fakePerms struct {
	perms []domain.Permission
	err   error
}

func (f fakePerms) GetUserPermissions(context.Context, string) ([]domain.Permission, error) {
	return f.perms, f.err
}

type fakeOAuth struct {
	linked bool
	err    error
	calls  int
}

func (f *fakeOAuth) HasOAuthToken(_ context.Context, _, provider string) (bool, error) {
	f.calls++
	if provider != MailProvider {
		return false, nil
	}
	return f.linked, f.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func autonomous(scope string) domain.Permission {
	return domain.Permission{
		UserID: "u1", AgentID: "agent-1", Scope: scope,
		AutonomyLevel: domain.AutonomyAutonomous, IsActive: true,
	}
}

func allScopes() []domain.Permission {
	return []domain.Permission{
		autonomous(capability.ScopeBrowserNavigate),
		autonomous(capability.ScopeBrowserInteract),
		autonomous(capability.ScopeBrowserRead),
		autonomous(capability.ScopeEmailSend),
		autonomous(capability.ScopeEmailCompose),
	}
}

func newCompiler(perms []domain.Permission, oauth OAuthStore) *Compiler {
	c := New(capability.NewDefaultRegistry(), fakePerms{perms: perms}, oauth, nil)
	c.now = func() time.Time { return fixedNow }
	return c
}

func emailPlan(to string) domain.Plan {
	return domain.Plan{
		Confidence: 0.8,
		Steps: []domain.Step{
			{Action: domain.ActionNavigate, Target: "gmail"},
			{Action: domain.ActionCompose, Target: "email", Value: "hi", Params: map[string]string{"to": to}},
		},
	}
}

func TestCompile_EmailWithoutOAuthUsesComposeUI(t *testing.T) {
	oauth := &fakeOAuth{}
	cmds, err := newCompiler(allScopes(), oauth).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("alice@example.com"),
	})
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, capability.OpenURL, cmds[0].Capability)
	assert.Equal(t, "https://mail.google.com", cmds[0].Args["url"])
	assert.Equal(t, capability.EmailComposeUI, cmds[1].Capability)
	assert.Equal(t, []interface{}{"alice@example.com"}, cmds[1].Args["to"])
	assert.Equal(t, "hi", cmds[1].Args["body"])
	assert.Equal(t, false, cmds[1].Args["send"])
	assert.Equal(t, 1, oauth.calls)

	for i, c := range cmds {
		assert.False(t, c.RequiresApproval, "command %d: %s", i, c.Reason)
		assert.Equal(t, i, c.StepIndex)
		assert.Equal(t, "agent-1", c.AgentID)
	}
	assert.NotEqual(t, cmds[0].RequestID, cmds[1].RequestID)
}

func TestCompile_EmailWithOAuthUsesAPI(t *testing.T) {
	cmds, err := newCompiler(allScopes(), &fakeOAuth{linked: true}).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("a@x.io;b@x.io"),
	})
	require.NoError(t, err)
	assert.Equal(t, capability.EmailSendAPI, cmds[1].Capability)
	assert.Equal(t, []interface{}{"a@x.io", "b@x.io"}, cmds[1].Args["to"])
}

func TestCompile_OAuthErrorFallsBackToUI(t *testing.T) {
	cmds, err := newCompiler(allScopes(), &fakeOAuth{linked: true, err: errors.New("down")}).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("a@x.io"),
	})
	require.NoError(t, err)
	assert.Equal(t, capability.EmailComposeUI, cmds[1].Capability)
}

func TestCompile_NativeAPIDisabledUsesComposeUI(t *testing.T) {
	oauth := &fakeOAuth{linked: true}
	cmds, err := newCompiler(allScopes(), oauth).WithNativeAPI(false).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("a@x.io"),
	})
	require.NoError(t, err)
	assert.Equal(t, capability.EmailComposeUI, cmds[1].Capability)
	assert.Zero(t, oauth.calls)
}

func TestCompile_SixRecipientsRequireApproval(t *testing.T) {
	cmds, err := newCompiler(allScopes(), &fakeOAuth{linked: true}).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("a@x.io,b@x.io,c@x.io,d@x.io,e@x.io,f@x.io"),
	})
	require.NoError(t, err)
	assert.True(t, cmds[1].RequiresApproval)
	assert.Contains(t, cmds[1].Reason, "sensitive")
}

func TestCompile_MissingScopeRequiresApproval(t *testing.T) {
	perms := []domain.Permission{autonomous(capability.ScopeBrowserNavigate)}
	cmds, err := newCompiler(perms, &fakeOAuth{}).Compile(context.Background(), CompileRequest{
		UserID: "u1", AgentID: "agent-1", Plan: emailPlan("a@x.io"),
	})
	require.NoError(t, err)
	assert.False(t, cmds[0].RequiresApproval)
	assert.True(t, cmds[1].RequiresApproval)
	assert.Contains(t, cmds[1].Reason, capability.ScopeEmailCompose)
}

func navWith(mod func(p *domain.Permission)) domain.Permission {
	p := autonomous(capability.ScopeBrowserNavigate)
	mod(&p)
	return p
}

func TestCompile_PermissionMatching(t *testing.T) {
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	plan := domain.Plan{Confidence: 1, Steps: []domain.Step{{Action: domain.ActionNavigate, Target: "https://mail.google.com/u/0"}}}

	tests := map[string]struct {
		perm     domain.Permission
		approval bool
	}{
		"autonomous":       {autonomous(capability.ScopeBrowserNavigate), false},
		"confirm level":    {navWith(func(p *domain.Permission) { p.AutonomyLevel = domain.AutonomyConfirm }), true},
		"inactive":         {navWith(func(p *domain.Permission) { p.IsActive = false }), true},
		"expired":          {navWith(func(p *domain.Permission) { p.ExpiresAt = &past }), true},
		"not yet expired":  {navWith(func(p *domain.Permission) { p.ExpiresAt = &future }), false},
		"other agent":      {navWith(func(p *domain.Permission) { p.AgentID = "agent-2" }), true},
		"domain matches":   {navWith(func(p *domain.Permission) { p.Domain = "google.com" }), false},
		"domain mismatch":  {navWith(func(p *domain.Permission) { p.Domain = "linkedin.com" }), true},
		"suffix not label": {navWith(func(p *domain.Permission) { p.Domain = "gle.com" }), true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cmds, err := newCompiler([]domain.Permission{tt.perm}, nil).Compile(context.Background(), CompileRequest{
				UserID: "u1", AgentID: "agent-1", Plan: plan,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.approval, cmds[0].RequiresApproval)
		})
	}
}

func TestCompile_SmartUICommands(t *testing.T) {
	plan := domain.Plan{Confidence: 0.9, Steps: []domain.Step{
		{Action: domain.ActionNavigate, Target: "linkedin"},
		{Action: domain.ActionClick, Target: "Start a post", Timeout: 3 * time.Second},
		{Action: domain.ActionFill, Target: "Post text", Value: "We are hiring"},
		{Action: domain.ActionWait, Target: "Post button", WaitCondition: "visible"},
		{Action: domain.ActionExtract, Target: "feed"},
		{Action: domain.ActionNavigate, Target: "the settings page"},
	}}
	cmds, err := newCompiler(allScopes(), nil).Compile(context.Background(), CompileRequest{UserID: "u1", AgentID: "agent-1", Plan: plan})
	require.NoError(t, err)
	require.Len(t, cmds, 6)

	assert.Equal(t, "https://www.linkedin.com", cmds[0].Args["url"])
	wantSub := []string{capability.SmartClick, capability.SmartFill, capability.SmartWait, capability.SmartExtract, capability.SmartNavigate}
	for i, sub := range wantSub {
		c := cmds[i+1]
		assert.Equal(t, capability.SmartUICommand, c.Capability)
		assert.Equal(t, sub, c.Args["action"])
		assert.False(t, c.RequiresApproval, c.Reason)
	}
	assert.Equal(t, float64(3000), cmds[1].Args["timeout"])
	assert.Equal(t, "We are hiring", cmds[2].Args["value"])
	assert.Equal(t, "visible", cmds[3].Args["wait_condition"])
}

func TestCompile_DomainPermissionFollowsNavigatedHost(t *testing.T) {
	perms := []domain.Permission{autonomous(capability.ScopeBrowserNavigate), autonomous(capability.ScopeBrowserInteract)}
	perms[1].Domain = "linkedin.com"

	plan := domain.Plan{Confidence: 0.9, Steps: []domain.Step{
		{Action: domain.ActionClick, Target: "Home"},
		{Action: domain.ActionNavigate, Target: "linkedin"},
		{Action: domain.ActionClick, Target: "Home"},
	}}
	cmds, err := newCompiler(perms, nil).Compile(context.Background(), CompileRequest{UserID: "u1", AgentID: "agent-1", Plan: plan})
	require.NoError(t, err)
	assert.True(t, cmds[0].RequiresApproval, "host unknown before navigation")
	assert.False(t, cmds[2].RequiresApproval)
}

func TestCompile_URLResolution(t *testing.T) {
	c := newCompiler(nil, nil)
	tests := map[string]struct {
		target string
		url    string
		ok     bool
	}{
		"alias upper":  {"Calendar", "https://calendar.google.com", true},
		"drive":        {"drive", "https://drive.google.com", true},
		"absolute":     {"http://example.com/a?b=1", "http://example.com/a?b=1", true},
		"bare domain":  {"example.org/docs", "https://example.org/docs", true},
		"free text":    {"the settings page", "", false},
		"other scheme": {"javascript:alert(1)", "", false},
		"empty":        {"", "", false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := c.resolveURL(tt.target)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.url, got)
		})
	}
}

func TestCompile_UnmatchedGoesToAnalyzeAndAct(t *testing.T) {
	plan := domain.Plan{Confidence: 0.8, Steps: []domain.Step{
		{Action: domain.ActionCompose, Target: "tweet", Value: "release is out", Description: "Compose post"},
	}}
	cmds, err := newCompiler(allScopes(), nil).Compile(context.Background(), CompileRequest{UserID: "u1", AgentID: "agent-1", Plan: plan})
	require.NoError(t, err)
	assert.Equal(t, capability.AnalyzeAndAct, cmds[0].Capability)
	assert.Equal(t, "Compose post", cmds[0].Args["instruction"])
	assert.True(t, cmds[0].RequiresApproval)
}

func TestCompile_Errors(t *testing.T) {
	c := New(capability.NewDefaultRegistry(), fakePerms{err: errors.New("db down")}, nil, nil)
	_, err := c.Compile(context.Background(), CompileRequest{UserID: "u1", Plan: emailPlan("a@x.io")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = newCompiler(nil, nil).Compile(context.Background(), CompileRequest{UserID: "u1"})
	require.Error(t, err)
}

func TestCompile_WithAliases(t *testing.T) {
	c := newCompiler(nil, nil).WithAliases(map[string]string{"Wiki": "https://wiki.example.com"})
	got, ok := c.resolveURL("wiki")
	require.True(t, ok)
	assert.Equal(t, "https://wiki.example.com", got)
}

// Свойство: approval == sensitive || есть scope без autonomous-разрешения.
func TestCompile_ApprovalProperty(t *testing.T) {
	reg := capability.NewDefaultRegistry()
	scopes := []string{
		capability.ScopeBrowserNavigate, capability.ScopeBrowserInteract, capability.ScopeBrowserRead,
		capability.ScopeEmailSend, capability.ScopeEmailCompose,
	}
	levels := []domain.AutonomyLevel{domain.AutonomySuggest, domain.AutonomyConfirm, domain.AutonomyAutonomous}

	rapid.Check(t, func(t *rapid.T) {
		var perms []domain.Permission
		for _, s := range scopes {
			if rapid.Bool().Draw(t, "has_"+s) {
				perms = append(perms, domain.Permission{
					AgentID: "agent-1", Scope: s, IsActive: rapid.Bool().Draw(t, "active_"+s),
					AutonomyLevel: rapid.SampledFrom(levels).Draw(t, "level_"+s),
				})
			}
		}
		recipients := rapid.IntRange(1, 8).Draw(t, "recipients")
		to := ""
		for i := 0; i < recipients; i++ {
			if i > 0 {
				to += ","
			}
			to += string(rune('a'+i)) + "@x.io"
		}
		linked := rapid.Bool().Draw(t, "linked")

		c := newCompiler(perms, &fakeOAuth{linked: linked})
		cmds, err := c.Compile(context.Background(), CompileRequest{UserID: "u1", AgentID: "agent-1", Plan: emailPlan(to)})
		if err != nil {
			t.Fatal(err)
		}
		for _, cmd := range cmds {
			want := reg.IsSensitive(cmd.Capability, cmd.Args)
			req, _ := reg.ScopesFor(cmd.Capability)
			for _, s := range req {
				if !granted(perms, "agent-1", s, "mail.google.com", fixedNow) {
					want = true
				}
			}
			if cmd.RequiresApproval != want {
				t.Fatalf("%s: approval=%v want %v (%s)", cmd.Capability, cmd.RequiresApproval, want, cmd.Reason)
			}
		}
	})
}
