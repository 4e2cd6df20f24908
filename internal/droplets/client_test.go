package droplets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

// fakeHTTP replays canned responses and records the requests it saw.
type fakeHTTP struct {
	reqs   []*http.Request
	bodies []string
	status int
	body   string
}

func (f *fakeHTTP) Do(req *http.Request) (*http.Response, error) {
	f.reqs = append(f.reqs, req)
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(raw))
	} else {
		f.bodies = append(f.bodies, "")
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func newTestClient(status int, body string) (*Client, *fakeHTTP) {
	f := &fakeHTTP{status: status, body: body}
	return NewClientWith("do-test-token", "https://do.test", f, nil), f
}

func TestList_DecodesDroplets(t *testing.T) {
	c, f := newTestClient(200, `{"droplets":[
		{"id":101,"name":"web-1","status":"active",
		 "networks":{"v4":[{"ip_address":"10.0.0.5","type":"private"},
		                  {"ip_address":"203.0.113.7","type":"public"}]}},
		{"id":102,"name":"web-2","status":"off"}
	]}`)

	got, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d droplets, want 2", len(got))
	}
	if got[0].ID != 101 || got[0].Name != "web-1" {
		t.Fatalf("unexpected first droplet: %+v", got[0])
	}
	if ip := got[0].PublicIPv4(); ip != "203.0.113.7" {
		t.Fatalf("PublicIPv4 = %q, want 203.0.113.7", ip)
	}
	if ip := got[1].PublicIPv4(); ip != "" {
		t.Fatalf("PublicIPv4 = %q, want empty", ip)
	}

	req := f.reqs[0]
	if req.Method != http.MethodGet {
		t.Fatalf("method = %s, want GET", req.Method)
	}
	if !strings.HasPrefix(req.URL.String(), "https://do.test/v2/droplets") {
		t.Fatalf("url = %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer do-test-token" {
		t.Fatalf("authorization = %q", got)
	}
}

func TestCreate_SendsBodyAndDecodes(t *testing.T) {
	c, f := newTestClient(202, `{"droplet":{"id":7,"name":"staging","status":"new"}}`)

	got, err := c.Create(context.Background(), CreateRequest{
		Name:   "staging",
		Region: "fra1",
		Size:   "s-1vcpu-1gb",
		Image:  "ubuntu-24-04-x64",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("id = %d, want 7", got.ID)
	}

	var sent CreateRequest
	if err := json.Unmarshal([]byte(f.bodies[0]), &sent); err != nil {
		t.Fatalf("sent body is not json: %v", err)
	}
	if sent.Region != "fra1" || sent.Image != "ubuntu-24-04-x64" {
		t.Fatalf("sent body = %+v", sent)
	}
	if ct := f.reqs[0].Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestCreate_RequiresAllFields(t *testing.T) {
	c, f := newTestClient(202, `{}`)
	_, err := c.Create(context.Background(), CreateRequest{Name: "x"})
	if err == nil {
		t.Fatal("Create accepted a request without region/size/image")
	}
	if len(f.reqs) != 0 {
		t.Fatal("invalid create must not reach the API")
	}
}

func TestDelete_UsesDeleteMethod(t *testing.T) {
	c, f := newTestClient(204, ``)
	if err := c.Delete(context.Background(), 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	req := f.reqs[0]
	if req.Method != http.MethodDelete {
		t.Fatalf("method = %s, want DELETE", req.Method)
	}
	if !strings.HasSuffix(req.URL.Path, "/v2/droplets/42") {
		t.Fatalf("path = %s", req.URL.Path)
	}
}

func TestAct_SubmitsPowerAction(t *testing.T) {
	c, f := newTestClient(201, `{"action":{"id":9,"status":"in-progress","type":"reboot"}}`)

	got, err := c.Act(context.Background(), 42, ActionReboot)
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if got.Status != "in-progress" || got.Type != "reboot" {
		t.Fatalf("action = %+v", got)
	}
	if !strings.HasSuffix(f.reqs[0].URL.Path, "/v2/droplets/42/actions") {
		t.Fatalf("path = %s", f.reqs[0].URL.Path)
	}
	if f.bodies[0] != `{"type":"reboot"}` {
		t.Fatalf("body = %s", f.bodies[0])
	}
}

func TestAct_RejectsUnknownAction(t *testing.T) {
	c, f := newTestClient(201, `{}`)
	if _, err := c.Act(context.Background(), 42, "self_destruct"); err == nil {
		t.Fatal("Act accepted an unknown action")
	}
	if len(f.reqs) != 0 {
		t.Fatal("unknown action must not reach the API")
	}
}

func TestDo_MapsAPIError(t *testing.T) {
	c, _ := newTestClient(422, `{"id":"unprocessable_entity","message":"region is invalid"}`)

	_, err := c.Create(context.Background(), CreateRequest{
		Name: "x", Region: "nope", Size: "s", Image: "i",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.StatusCode != 422 || apiErr.Message != "region is invalid" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}
