package api

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

const planText = "Use PostgreSQL for all persistence. Never use MongoDB.\n"

func (ts *testServer) createPlan(t *testing.T, projectID, title, content string) (planID, code string) {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": projectID,
		"title":      title,
		"content":    content,
	})
	if status != http.StatusCreated {
		t.Fatalf("create plan: status %d (%v)", status, body)
	}
	planID, _ = body["plan_id"].(string)
	code, _ = body["verification_code"].(string)
	if planID == "" || code == "" {
		t.Fatalf("plan record missing ids: %v", body)
	}
	if body["status"] != "draft" {
		t.Fatalf("fresh plan status %v, want draft", body["status"])
	}
	return planID, code
}

func (ts *testServer) approvePlan(t *testing.T, planID, code, key string) (int, map[string]interface{}) {
	t.Helper()
	return ts.do(t, http.MethodPost, "/sacred/plans/"+planID+"/approve", map[string]interface{}{
		"approver":               "reviewer",
		"verification_code":      code,
		"secondary_verification": key,
	})
}

// TestSacredPlanApproval drives the two-factor approval to success and
// verifies the plan is immutable afterwards.
func TestSacredPlanApproval(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))

	planID, code := ts.createPlan(t, id, "DB choice", planText)

	status, body := ts.approvePlan(t, planID, code, "test-approval-key")
	if status != http.StatusOK {
		t.Fatalf("approve: status %d (%v)", status, body)
	}
	if body["status"] != "approved" {
		t.Errorf("status %v, want approved", body["status"])
	}
	approval, _ := body["approval"].(map[string]interface{})
	if approval == nil || approval["approver"] != "reviewer" {
		t.Errorf("approval record %v, want approver=reviewer", body["approval"])
	}

	status, body = ts.do(t, http.MethodGet, "/sacred/plans/"+planID, nil)
	if status != http.StatusOK {
		t.Fatalf("get plan: status %d (%v)", status, body)
	}
	if body["content"] != planText {
		t.Errorf("reassembled content %q, want original", body["content"])
	}

	// A second approval attempt hits the immutability wall.
	status, body = ts.approvePlan(t, planID, code, "test-approval-key")
	if status != http.StatusConflict {
		t.Fatalf("re-approve: status %d, want 409 (%v)", status, body)
	}
	assertKind(t, body, "Immutable")
}

// TestSacredPlanApproval_BadFactors tries each factor wrong and checks the
// plan stays a draft.
func TestSacredPlanApproval_BadFactors(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))
	planID, code := ts.createPlan(t, id, "DB choice", planText)

	cases := []struct {
		name string
		code string
		key  string
	}{
		{"wrong code", "WRONG-CODE", "test-approval-key"},
		{"wrong key", code, "not-the-key"},
		{"both wrong", "WRONG-CODE", "not-the-key"},
	}
	for _, tc := range cases {
		status, body := ts.approvePlan(t, planID, tc.code, tc.key)
		if status != http.StatusUnprocessableEntity {
			t.Errorf("%s: status %d, want 422 (%v)", tc.name, status, body)
			continue
		}
		assertKind(t, body, "VerificationFailed")
	}

	status, body := ts.do(t, http.MethodGet, "/sacred/plans/"+planID, nil)
	if status != http.StatusOK {
		t.Fatalf("get plan: status %d (%v)", status, body)
	}
	if body["status"] != "draft" {
		t.Errorf("plan status %v after failed approvals, want draft", body["status"])
	}
}

func TestSacredPlan_CreateValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))

	// Content and file_path are mutually exclusive, and one is required.
	status, body := ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": id,
		"title":      "both sources",
		"content":    planText,
		"file_path":  "/tmp/plan.md",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("both sources: status %d, want 400 (%v)", status, body)
	}
	assertKind(t, body, "InvalidInput")

	status, body = ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": id,
		"title":      "no source",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("no source: status %d, want 400 (%v)", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": "proj_ghost",
		"title":      "orphan",
		"content":    planText,
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown project: status %d, want 404 (%v)", status, body)
	}

	// Re-registering identical content for the same project is rejected
	// while the first plan is still in play.
	ts.createPlan(t, id, "DB choice", planText)
	status, body = ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": id,
		"title":      "DB choice again",
		"content":    planText,
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate content: status %d, want 409 (%v)", status, body)
	}
	assertKind(t, body, "AlreadyExists")
}

func TestSacredPlan_FromFile(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))

	planFile := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(planFile, []byte(planText), 0o644); err != nil {
		t.Fatalf("writing plan file: %v", err)
	}

	status, body := ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": id,
		"title":      "DB choice",
		"file_path":  planFile,
	})
	if status != http.StatusCreated {
		t.Fatalf("create from file: status %d (%v)", status, body)
	}
	planID := body["plan_id"].(string)

	status, body = ts.do(t, http.MethodGet, "/sacred/plans/"+planID, nil)
	if status != http.StatusOK {
		t.Fatalf("get plan: status %d (%v)", status, body)
	}
	if body["content"] != planText {
		t.Errorf("content %q, want file text", body["content"])
	}

	status, body = ts.do(t, http.MethodPost, "/sacred/plans", map[string]interface{}{
		"project_id": id,
		"title":      "missing file",
		"file_path":  planFile + ".gone",
	})
	if status != http.StatusNotFound {
		t.Fatalf("missing file: status %d, want 404 (%v)", status, body)
	}
}

func TestSacredPlans_List(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))

	planID, code := ts.createPlan(t, id, "DB choice", planText)
	ts.createPlan(t, id, "API shape", "All endpoints speak JSON over loopback.\n")

	if status, body := ts.approvePlan(t, planID, code, "test-approval-key"); status != http.StatusOK {
		t.Fatalf("approve: status %d (%v)", status, body)
	}

	status, body := ts.do(t, http.MethodGet, "/sacred/plans?project_id="+id, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d (%v)", status, body)
	}
	plans, _ := body["plans"].([]interface{})
	if len(plans) != 2 {
		t.Fatalf("listed %d plans, want 2", len(plans))
	}

	status, body = ts.do(t, http.MethodGet, "/sacred/plans?project_id="+id+"&status=approved", nil)
	if status != http.StatusOK {
		t.Fatalf("list approved: status %d (%v)", status, body)
	}
	plans, _ = body["plans"].([]interface{})
	if len(plans) != 1 {
		t.Fatalf("listed %d approved plans, want 1", len(plans))
	}
	record, _ := plans[0].(map[string]interface{})
	if record["plan_id"] != planID {
		t.Errorf("approved plan %v, want %s", record["plan_id"], planID)
	}

	status, body = ts.do(t, http.MethodGet, "/sacred/plans?status=bogus", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bogus status filter: status %d, want 400 (%v)", status, body)
	}
	assertKind(t, body, "InvalidInput")
}

// TestSacredQuery checks that sacred retrieval only surfaces approved
// content.
func TestSacredQuery(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	id := ts.createProject(t, "sample", writeSampleTree(t))

	planID, code := ts.createPlan(t, id, "Arithmetic rules", "All sums must be checked for overflow.\n")
	ts.createPlan(t, id, "Draft thoughts", "Undecided scribbles about nothing specific.\n")

	status, body := ts.do(t, http.MethodPost, "/sacred/query", map[string]interface{}{
		"project_id": id,
		"query":      "how do we add numbers safely?",
	})
	if status != http.StatusOK {
		t.Fatalf("sacred query: status %d (%v)", status, body)
	}
	if results, _ := body["results"].([]interface{}); len(results) != 0 {
		t.Fatalf("draft-only project returned %d sacred hits, want 0", len(results))
	}

	if status, body := ts.approvePlan(t, planID, code, "test-approval-key"); status != http.StatusOK {
		t.Fatalf("approve: status %d (%v)", status, body)
	}

	status, body = ts.do(t, http.MethodPost, "/sacred/query", map[string]interface{}{
		"project_id": id,
		"query":      "how do we add numbers safely?",
	})
	if status != http.StatusOK {
		t.Fatalf("sacred query: status %d (%v)", status, body)
	}
	results, _ := body["results"].([]interface{})
	if len(results) == 0 {
		t.Fatal("approved plan should be searchable")
	}
	top, _ := results[0].(map[string]interface{})
	if top["plan_id"] != planID {
		t.Errorf("top sacred hit %v, want %s", top["plan_id"], planID)
	}
	if top["status"] != "approved" {
		t.Errorf("top sacred hit status %v, want approved", top["status"])
	}

	status, body = ts.do(t, http.MethodPost, "/sacred/query", map[string]interface{}{
		"query": "no project given",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing project_id: status %d, want 400 (%v)", status, body)
	}
	assertKind(t, body, "InvalidInput")
}
