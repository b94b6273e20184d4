package sms_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor/sms"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/remote"
	"github.com/zero-day-ai/injector/store/memory"
	"github.com/zero-day-ai/injector/types"
)

type fakeGateway struct {
	mu     sync.Mutex
	sent   map[string]string
	answer string
	err    error
}

func (g *fakeGateway) Send(_ context.Context, phone, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if g.sent == nil {
		g.sent = make(map[string]string)
	}
	g.sent[phone] = message
	if g.answer != "" {
		return g.answer, nil
	}
	return `{"invalidReceivers":[],"validReceivers":["` + phone + `"]}`, nil
}

func smsInject(users ...types.User) *execution.ExecutableInject {
	team := types.Team{ID: "team-1", Name: "Crisis cell", Users: users}
	ei := &execution.ExecutableInject{
		Inject: types.Inject{
			ID:         "inj-1",
			ExerciseID: "ex-1",
			Content: json.RawMessage(`{"message":"Hi {{.user.firstname}}, call back now","expectations":[
				{"expectation_type":"MANUAL","expectation_name":"Player called back"}]}`),
		},
		Exercise: &types.Exercise{ID: "ex-1", Header: "[SIMULATION]"},
		Teams:    []types.Team{team},
	}
	for _, u := range users {
		ei.Users = append(ei.Users, execution.ExecutionContext{User: u, TeamNames: []string{team.Name}, InjectID: "inj-1"})
	}
	return ei
}

func tracesByUser(exec *execution.Execution) map[string]execution.Trace {
	out := make(map[string]execution.Trace)
	for _, tr := range exec.Traces() {
		out[tr.Identifiers[0]] = tr
	}
	return out
}

func TestProcess_OnePhoneOneMissing(t *testing.T) {
	s := memory.New()
	gw := &fakeGateway{}
	x := sms.New(gw, expectation.NewTracker(s), nil, nil)

	a := types.User{ID: "a", Email: "a@example.com", Firstname: "Alice", Phone: "+33600000001"}
	b := types.User{ID: "b", Email: "b@example.com", Firstname: "Bob"}

	exec := execution.New()
	_, err := x.Process(context.Background(), exec, smsInject(a, b))
	require.NoError(t, err)

	traces := tracesByUser(exec)
	require.Len(t, traces, 2)
	assert.Equal(t, execution.TraceSuccess, traces["a"].Status)
	assert.True(t, strings.HasPrefix(traces["a"].Message, "Sms sent to a@example.com through +33600000001 ("))
	assert.Equal(t, execution.TraceError, traces["b"].Status)
	assert.Equal(t, "Sms fail for b@example.com: no phone number", traces["b"].Message)

	assert.Equal(t, "[SIMULATION]\nHi Alice, call back now", gw.sent["+33600000001"])

	rows, err := s.ExpectationsByInject(context.Background(), "inj-1")
	require.NoError(t, err)
	require.Len(t, rows, 1, "exactly one MANUAL expectation")
	assert.Equal(t, expectation.TypeManual, rows[0].Type)
	assert.Equal(t, "team-1", rows[0].TeamID)

	assert.Equal(t, execution.StatusPartial, execution.Fold(exec.Traces()))
}

func TestProcess_InvalidReceivers(t *testing.T) {
	s := memory.New()
	gw := &fakeGateway{answer: `{"invalidReceivers":["+1000"],"validReceivers":[]}`}
	x := sms.New(gw, expectation.NewTracker(s), nil, nil)

	exec := execution.New()
	_, err := x.Process(context.Background(), exec, smsInject(types.User{ID: "a", Email: "a@example.com", Phone: "+1000"}))
	require.NoError(t, err)

	tr := tracesByUser(exec)["a"]
	assert.Equal(t, execution.TraceError, tr.Status)
	assert.Contains(t, tr.Message, "contains error")

	rows, err := s.ExpectationsByInject(context.Background(), "inj-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the SMS left the gateway")
}

func TestProcess_NothingSent(t *testing.T) {
	s := memory.New()
	gw := &fakeGateway{err: errors.New("gateway down")}
	x := sms.New(gw, expectation.NewTracker(s), nil, nil)

	exec := execution.New()
	_, err := x.Process(context.Background(), exec, smsInject(types.User{ID: "a", Email: "a@example.com", Phone: "+1"}))
	require.NoError(t, err)

	tr := tracesByUser(exec)["a"]
	assert.Equal(t, execution.TraceError, tr.Status)
	assert.Equal(t, "gateway down", tr.Message)

	rows, err := s.ExpectationsByInject(context.Background(), "inj-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcess_NoUsers(t *testing.T) {
	x := sms.New(&fakeGateway{}, expectation.NewTracker(memory.New()), nil, nil)
	_, err := x.Process(context.Background(), execution.New(), smsInject())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Sms needs at least one user")
}

func TestSignature(t *testing.T) {
	got := sms.Signature("secret", "ck", "POST", "https://eu.api.ovh.com/1.0/sms/s/jobs", "{}", "1700000000")
	assert.True(t, strings.HasPrefix(got, "$1$"))
	assert.Len(t, got, 3+40)
	assert.Equal(t, got, sms.Signature("secret", "ck", "POST", "https://eu.api.ovh.com/1.0/sms/s/jobs", "{}", "1700000000"))
	assert.NotEqual(t, got, sms.Signature("secret", "ck", "POST", "https://eu.api.ovh.com/1.0/sms/s/jobs", "{}", "1700000001"))
}

func TestClient_Send(t *testing.T) {
	var timeCalls int
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1.0/auth/time":
			timeCalls++
			_, _ = io.WriteString(w, "1700000000")
		case "/1.0/sms/sms-ab123/jobs":
			body, _ := io.ReadAll(r.Body)
			ts := r.Header.Get("X-Ovh-Timestamp")
			want := sms.Signature("as", "ck", http.MethodPost, srvURL+"/1.0/sms/sms-ab123/jobs", string(body), ts)
			assert.Equal(t, want, r.Header.Get("X-Ovh-Signature"))
			assert.Equal(t, "ak", r.Header.Get("X-Ovh-Application"))
			assert.Contains(t, string(body), `"receivers":["+33600000001"]`)
			_, _ = io.WriteString(w, `{"invalidReceivers":[],"ids":[42]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	cfg := sms.Config{
		Endpoint:          srv.URL + "/1.0",
		ApplicationKey:    "ak",
		ApplicationSecret: "as",
		ConsumerKey:       "ck",
		Service:           "sms-ab123",
	}
	c := sms.NewClient(cfg, remote.NewClient(remote.Options{Backend: "ovh", BaseURL: cfg.Endpoint, Attempts: 1}))

	for i := 0; i < 2; i++ {
		res, err := c.Send(context.Background(), "+33600000001", "hello")
		require.NoError(t, err)
		assert.Contains(t, res, `"ids":[42]`)
	}
	assert.Equal(t, 1, timeCalls, "server time is fetched once")
}
