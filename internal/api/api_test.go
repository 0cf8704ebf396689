package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowdesk/DripFlow/internal/api"
	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/testutil"
)

const testOrg = "org_api"

// doRequest runs one request through the server's handler with the org header set.
func doRequest(t *testing.T, srv *api.Server, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, url, body)
	req.Header.Set(api.OrgIDHeader, testOrg)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// createSequence creates a sequence through the API and returns its id.
func createSequence(t *testing.T, srv *api.Server, req models.CreateSequenceRequest) string {
	t.Helper()
	rr := doRequest(t, srv, http.MethodPost, "/sequences", req)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create sequence")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	return result["id"].(string)
}

// createConversation registers conversation context and returns its id.
func createConversation(t *testing.T, srv *api.Server) string {
	t.Helper()
	rr := doRequest(t, srv, http.MethodPost, "/conversations", models.CreateConversationRequest{
		Channel:        models.ChannelWhatsApp,
		ContactAddress: "+1 (555) 123-0000",
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create conversation")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	return result["id"].(string)
}

func TestMissingOrgHeader(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/sequences", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing org header")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestSequenceLifecycle(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()

	id := createSequence(t, srv, models.CreateSequenceRequest{
		Name:     "Welcome flow",
		Shortcut: "Welcome",
		Status:   models.SequenceStatusActive,
	})

	// Shortcut was normalized to lowercase on write.
	rr := doRequest(t, srv, http.MethodGet, "/sequences/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get sequence")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["shortcut"] != "welcome" {
		t.Errorf("expected normalized shortcut, got %v", result["shortcut"])
	}

	newName := "Renamed flow"
	rr = doRequest(t, srv, http.MethodPatch, "/sequences/"+id, models.UpdateSequenceRequest{Name: &newName})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update sequence")

	rr = doRequest(t, srv, http.MethodGet, "/sequences", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list sequences")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 sequence, got %d", len(list))
	}

	rr = doRequest(t, srv, http.MethodDelete, "/sequences/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete sequence")

	rr = doRequest(t, srv, http.MethodGet, "/sequences/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get deleted sequence")
}

func TestShortcutConflict(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	createSequence(t, srv, models.CreateSequenceRequest{Name: "first", Shortcut: "Welcome"})

	rr := doRequest(t, srv, http.MethodPost, "/sequences", models.CreateSequenceRequest{
		Name: "second", Shortcut: "welcome",
	})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate shortcut")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestStepEndpoints(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	id := createSequence(t, srv, models.CreateSequenceRequest{Name: "steps", Status: models.SequenceStatusActive})

	rr := doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/steps", models.StepRequest{
		Type: models.StepTypeText, Body: "hello",
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "add text step")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	firstStepID := resp["result"].(map[string]interface{})["id"].(string)

	rr = doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/steps", models.StepRequest{
		Type: models.StepTypeDelay, DelayMinutes: 5,
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "add delay step")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	secondStepID := resp["result"].(map[string]interface{})["id"].(string)

	// Invalid content is rejected at the boundary.
	rr = doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/steps", models.StepRequest{
		Type: models.StepTypeImage,
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "image step without URL")

	rr = doRequest(t, srv, http.MethodPut, "/sequences/"+id+"/steps/order", models.ReorderStepsRequest{
		StepIDs: []string{secondStepID, firstStepID},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reorder steps")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	steps := resp["result"].([]interface{})
	if steps[0].(map[string]interface{})["id"] != secondStepID {
		t.Error("reorder did not apply")
	}

	rr = doRequest(t, srv, http.MethodDelete, "/sequences/"+id+"/steps/"+secondStepID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete step")

	rr = doRequest(t, srv, http.MethodGet, "/sequences/"+id+"/steps", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	steps = resp["result"].([]interface{})
	if len(steps) != 1 {
		t.Fatalf("expected 1 step left, got %d", len(steps))
	}
	if order := steps[0].(map[string]interface{})["order"].(float64); order != 0 {
		t.Errorf("expected remaining step compacted to order 0, got %v", order)
	}
}

func TestExecutionEndpoints(t *testing.T) {
	srv, st, _ := testutil.NewTestServer()
	id := createSequence(t, srv, models.CreateSequenceRequest{Name: "exec", Status: models.SequenceStatusActive})
	doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/steps", models.StepRequest{
		Type: models.StepTypeText, Body: "go",
	})
	convID := createConversation(t, srv)

	rr := doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/executions", models.StartExecutionRequest{
		ConversationID: convID,
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start execution")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	execID := resp["result"].(map[string]interface{})["id"].(string)

	if result := resp["result"].(map[string]interface{}); result["status"] != string(models.ExecutionStatusRunning) {
		t.Errorf("expected running execution, got %v", result["status"])
	}

	rr = doRequest(t, srv, http.MethodGet, "/executions/"+execID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get execution")

	rr = doRequest(t, srv, http.MethodPost, "/executions/"+execID+"/stop", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stop execution")

	// Second stop is a conflict.
	rr = doRequest(t, srv, http.MethodPost, "/executions/"+execID+"/stop", nil)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "double stop")

	rr = doRequest(t, srv, http.MethodGet, "/conversations/"+convID+"/executions", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "conversation history")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 execution in history, got %d", len(list))
	}

	got, _ := st.GetExecution(execID)
	if got.Status != models.ExecutionStatusStopped {
		t.Errorf("expected stopped in store, got %s", got.Status)
	}
}

func TestStartExecutionValidation(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	convID := createConversation(t, srv)

	// Draft sequences cannot be started.
	id := createSequence(t, srv, models.CreateSequenceRequest{Name: "draft"})
	rr := doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/executions", models.StartExecutionRequest{
		ConversationID: convID,
	})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "start draft sequence")

	// Missing conversation id.
	active := createSequence(t, srv, models.CreateSequenceRequest{Name: "active", Status: models.SequenceStatusActive})
	rr = doRequest(t, srv, http.MethodPost, "/sequences/"+active+"/executions", models.StartExecutionRequest{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing conversation id")
}

func TestScheduledExecutionViaAPI(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	id := createSequence(t, srv, models.CreateSequenceRequest{Name: "later", Status: models.SequenceStatusActive})
	convID := createConversation(t, srv)

	scheduledAt := time.Now().Add(time.Hour)
	rr := doRequest(t, srv, http.MethodPost, "/sequences/"+id+"/executions", models.StartExecutionRequest{
		ConversationID: convID,
		ScheduledAt:    &scheduledAt,
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start deferred execution")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["status"] != string(models.ExecutionStatusScheduled) {
		t.Errorf("expected scheduled, got %v", result["status"])
	}
	if _, present := result["next_step_at"]; present {
		t.Error("expected next_step_at omitted for a deferred start")
	}
}

func TestSearchSequences(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	createSequence(t, srv, models.CreateSequenceRequest{Name: "a", Shortcut: "thanks", Status: models.SequenceStatusActive})
	createSequence(t, srv, models.CreateSequenceRequest{Name: "b", Shortcut: "thankyou"})
	createSequence(t, srv, models.CreateSequenceRequest{Name: "c", Shortcut: "other"})

	rr := doRequest(t, srv, http.MethodGet, "/sequences/search?q=THANK", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "search")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list := resp["result"].([]interface{}); len(list) != 2 {
		t.Errorf("expected 2 matches, got %d", len(list))
	}

	rr = doRequest(t, srv, http.MethodGet, "/sequences/search?q=thank&limit=bogus", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")
}

func TestInvalidJSONBody(t *testing.T) {
	srv, _, _ := testutil.NewTestServer()
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/sequences", nil)
	req.Header.Set(api.OrgIDHeader, testOrg)
	req.Body = http.NoBody
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty body")
}
