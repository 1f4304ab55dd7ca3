package capability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoCapability(name string) Capability {
	return Capability{
		Name:        name,
		Description: "echoes the url",
		InputSchema: ObjectSchema([]string{"url"}, map[string]interface{}{"url": StringProp("target url")}),
		Handler: func(ctx context.Context, env Env, args json.RawMessage) (Result, error) {
			var in struct {
				URL string `json:"url"`
			}
			if err := Decode(args, &in); err != nil {
				return Result{}, err
			}
			return Ok("echo " + in.URL), nil
		},
	}
}

type recordingObserver struct {
	names   []string
	success []bool
}

func (o *recordingObserver) ObserveCapability(name string, success bool, _ time.Duration) {
	o.names = append(o.names, name)
	o.success = append(o.success, success)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry([]Capability{echoCapability("a"), echoCapability("a")}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestNewRegistryRejectsBadSchema(t *testing.T) {
	bad := echoCapability("bad")
	bad.InputSchema = map[string]interface{}{"type": 123}
	if _, err := NewRegistry([]Capability{bad}); err == nil {
		t.Fatalf("expected invalid schema to fail compilation")
	}
}

func TestNewRegistryRequiresHandler(t *testing.T) {
	c := echoCapability("nohandler")
	c.Handler = nil
	if _, err := NewRegistry([]Capability{c}); err == nil {
		t.Fatalf("expected missing handler to fail")
	}
}

func TestRequireReportsMissing(t *testing.T) {
	reg, err := NewRegistry([]Capability{echoCapability(FetchPage)})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Require(FetchPage); err != nil {
		t.Fatalf("Require: %v", err)
	}
	err = reg.Require(FetchPage, SubmitAnswer)
	if !errors.Is(err, ErrUnknownCapability) || !strings.Contains(err.Error(), SubmitAnswer) {
		t.Fatalf("expected missing submit_answer, got %v", err)
	}
}

func TestInvokeMalformedArgumentsYieldsFailureResult(t *testing.T) {
	obs := &recordingObserver{}
	reg, err := NewRegistry([]Capability{echoCapability(FetchPage)}, WithObserver(obs))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cases := []json.RawMessage{
		json.RawMessage(`{"url": 42}`),
		json.RawMessage(`{}`),
		json.RawMessage(`{"url": "x", "extra": true}`),
		json.RawMessage(`{not json`),
		nil,
	}
	for _, args := range cases {
		res := reg.Invoke(context.Background(), Env{}, Call{Name: FetchPage, Arguments: args})
		if res.Success {
			t.Fatalf("args %s: expected failure result", args)
		}
		if !strings.HasPrefix(res.Text, "Error calling fetch_page") {
			t.Fatalf("args %s: unexpected text %q", args, res.Text)
		}
	}
	if len(obs.names) != len(cases) {
		t.Fatalf("expected %d observations, got %d", len(cases), len(obs.names))
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	reg, _ := NewRegistry([]Capability{echoCapability(FetchPage)})
	res := reg.Invoke(context.Background(), Env{}, Call{Name: "rm_rf", Arguments: json.RawMessage(`{}`)})
	if res.Success || !strings.Contains(res.Text, "unknown capability") {
		t.Fatalf("expected unknown capability failure, got %+v", res)
	}
}

func TestInvokeConvertsHandlerErrorsAndPanics(t *testing.T) {
	failing := echoCapability("failing")
	failing.Handler = func(context.Context, Env, json.RawMessage) (Result, error) {
		return Result{}, errors.New("connection refused")
	}
	panicking := echoCapability("panicking")
	panicking.Handler = func(context.Context, Env, json.RawMessage) (Result, error) {
		panic("boom")
	}
	reg, err := NewRegistry([]Capability{failing, panicking})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	args := json.RawMessage(`{"url":"https://ex.test"}`)
	res := reg.Invoke(context.Background(), Env{}, Call{Name: "failing", Arguments: args})
	if res.Success || !strings.Contains(res.Text, "connection refused") {
		t.Fatalf("unexpected result %+v", res)
	}
	res = reg.Invoke(context.Background(), Env{}, Call{Name: "panicking", Arguments: args})
	if res.Success || !strings.Contains(res.Text, "boom") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInvokeAppliesTimeout(t *testing.T) {
	slow := echoCapability("slow")
	slow.Timeout = 10 * time.Millisecond
	slow.Handler = func(ctx context.Context, _ Env, _ json.RawMessage) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	reg, _ := NewRegistry([]Capability{slow})
	res := reg.Invoke(context.Background(), Env{}, Call{Name: "slow", Arguments: json.RawMessage(`{"url":"u"}`)})
	if res.Success || !strings.Contains(res.Text, "deadline exceeded") {
		t.Fatalf("expected deadline failure, got %+v", res)
	}
}

func TestSchemasKeepRegistrationOrder(t *testing.T) {
	reg, _ := NewRegistry([]Capability{echoCapability("b"), echoCapability("a")})
	schemas := reg.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "b" || schemas[1].Name != "a" {
		t.Fatalf("unexpected schema order %+v", schemas)
	}
	if _, ok := reg.Checksum("a"); !ok {
		t.Fatalf("expected checksum for a")
	}
}
