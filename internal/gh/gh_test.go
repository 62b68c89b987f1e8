package gh

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner serves canned responses keyed by a substring of the argv.
type fakeRunner struct {
	responses []fakeResponse
	calls     [][]string
}

type fakeResponse struct {
	match  string
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	f.calls = append(f.calls, args)
	joined := strings.Join(args, " ")
	for _, r := range f.responses {
		if strings.Contains(joined, r.match) {
			return r.stdout, r.stderr, r.err
		}
	}
	return "", "no canned response: " + joined, errors.New("exit status 1")
}

func newFakeClient(responses ...fakeResponse) (*Client, *fakeRunner) {
	fr := &fakeRunner{responses: responses}
	return NewClientWithRunner("", fr), fr
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	attempts := 0
	c := NewClientWithRunner("", runnerFunc(func(ctx context.Context, args ...string) (string, string, error) {
		attempts++
		if attempts < 3 {
			return "", "transient", errors.New("exit status 1")
		}
		return "ok\n", "", nil
	}))

	out, err := c.run(context.Background(), "repo", "view")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "ok\n" || attempts != 3 {
		t.Errorf("out=%q attempts=%d", out, attempts)
	}
}

type runnerFunc func(ctx context.Context, args ...string) (string, string, error)

func (f runnerFunc) Run(ctx context.Context, args ...string) (string, string, error) {
	return f(ctx, args...)
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	c, fr := newFakeClient() // no canned responses; every call fails
	_, err := c.run(context.Background(), "repo", "view")
	if err == nil {
		t.Fatalf("run succeeded with failing runner")
	}
	if len(fr.calls) != int(c.Retries) {
		t.Errorf("calls = %d, want %d", len(fr.calls), c.Retries)
	}
}

func TestIsSecondaryRateLimit(t *testing.T) {
	t.Parallel()

	if !isSecondaryRateLimit("You have exceeded a Secondary Rate Limit") {
		t.Errorf("rate limit not detected")
	}
	if isSecondaryRateLimit("graphql error") {
		t.Errorf("ordinary error classified as rate limit")
	}
}

func TestEnsureProjectFindsExisting(t *testing.T) {
	t.Parallel()

	c, fr := newFakeClient(
		fakeResponse{match: "repo view --json owner", stdout: "octocat\n"},
		fakeResponse{match: "project list", stdout: `{"projects":[{"number":7,"id":"PVT_1","title":"slaps"}]}`},
	)
	p, err := c.EnsureProject(context.Background(), "slaps")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if p.Number != 7 || p.ID != "PVT_1" || p.Owner != "octocat" {
		t.Errorf("project = %+v", p)
	}
	for _, call := range fr.calls {
		if call[0] == "project" && call[1] == "create" {
			t.Errorf("created project despite existing match")
		}
	}
}

func TestEnsureProjectCreatesWhenAbsent(t *testing.T) {
	t.Parallel()

	c, _ := newFakeClient(
		fakeResponse{match: "repo view --json owner", stdout: "octocat\n"},
		fakeResponse{match: "project list", stdout: `{"projects":[]}`},
		fakeResponse{match: "project create", stdout: `{"number":9,"id":"PVT_9"}`},
	)
	p, err := c.EnsureProject(context.Background(), "slaps")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if p.Number != 9 || p.ID != "PVT_9" {
		t.Errorf("project = %+v", p)
	}
}

func TestEnsureFieldsRefusesMissingStateOptions(t *testing.T) {
	t.Parallel()

	// Existing slaps-state field lacking the dead and failure options.
	fieldList := `{"fields":[
		{"id":"F1","name":"slaps-state","dataType":"SINGLE_SELECT","options":[
			{"id":"o1","name":"open"},{"id":"o2","name":"blocked"},
			{"id":"o3","name":"claimed"},{"id":"o4","name":"closed"}]},
		{"id":"F2","name":"slaps-worker","dataType":"NUMBER"},
		{"id":"F3","name":"slaps-attempt-count","dataType":"NUMBER"},
		{"id":"F4","name":"slaps-wave","dataType":"NUMBER"}]}`
	c, _ := newFakeClient(
		fakeResponse{match: "field-list", stdout: fieldList},
	)
	_, err := c.EnsureFields(context.Background(), Project{Owner: "octocat", Number: 7, ID: "PVT_1"})
	if err == nil {
		t.Fatalf("EnsureFields accepted incomplete state options")
	}
	if !strings.Contains(err.Error(), "missing options") {
		t.Errorf("error = %v, want missing options", err)
	}
}

func TestEnsureFieldsAcceptsCompleteBoard(t *testing.T) {
	t.Parallel()

	fieldList := `{"fields":[
		{"id":"F1","name":"slaps-state","dataType":"SINGLE_SELECT","options":[
			{"id":"o1","name":"open"},{"id":"o2","name":"blocked"},
			{"id":"o3","name":"claimed"},{"id":"o4","name":"closed"},
			{"id":"o5","name":"failure"},{"id":"o6","name":"dead"}]},
		{"id":"F2","name":"slaps-worker","dataType":"NUMBER"},
		{"id":"F3","name":"slaps-attempt-count","dataType":"NUMBER"},
		{"id":"F4","name":"slaps-wave","dataType":"NUMBER"}]}`
	c, _ := newFakeClient(
		fakeResponse{match: "field-list", stdout: fieldList},
	)
	fields, err := c.EnsureFields(context.Background(), Project{Owner: "octocat", Number: 7, ID: "PVT_1"})
	if err != nil {
		t.Fatalf("EnsureFields: %v", err)
	}
	if fields[FieldState].Options["dead"] != "o6" {
		t.Errorf("state options = %v", fields[FieldState].Options)
	}
}

func TestSetItemSingleSelectRejectsUnknownOption(t *testing.T) {
	t.Parallel()

	c, _ := newFakeClient()
	f := Field{ID: "F1", Name: FieldState, Options: map[string]string{"open": "o1"}}
	err := c.SetItemSingleSelect(context.Background(), Project{}, "item1", f, "bogus")
	if err == nil {
		t.Fatalf("unknown option accepted")
	}
}

func TestListItemsParsesGraphQL(t *testing.T) {
	t.Parallel()

	page := `{"data":{"user":{"projectV2":{"items":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{"id":"I1","content":{"number":42},"fieldValues":{"nodes":[
			{"field":{"name":"slaps-state"},"name":"open"},
			{"field":{"name":"slaps-wave"},"number":2},
			{"field":{"name":"slaps-attempt-count"},"number":0}
		]}}]}}},"organization":null}}`
	c, _ := newFakeClient(
		fakeResponse{match: "api graphql", stdout: page},
	)
	items, err := c.ListItems(context.Background(), Project{Owner: "octocat", Number: 7})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	it := items[0]
	if it.Issue != 42 || it.Fields["slaps-state"] != "open" || it.Fields["slaps-wave"] != "2" {
		t.Errorf("item = %+v", it)
	}
}
