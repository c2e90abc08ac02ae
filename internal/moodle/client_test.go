package moodle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token")
}

func TestCall_SendsWebServiceForm(t *testing.T) {
	var gotFunction, gotToken, gotFormat string
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotFunction = r.PostFormValue("wsfunction")
		gotToken = r.PostFormValue("wstoken")
		gotFormat = r.PostFormValue("moodlewsrestformat")
		if got := r.PostFormValue("values[0]"); got != "learner@example.com" {
			t.Errorf("expected lowercased email in form, got %q", got)
		}
		w.Write([]byte(`[]`))
	})

	if _, err := c.LookupUserByEmail(context.Background(), " Learner@Example.COM "); err != nil {
		t.Fatal(err)
	}
	if gotFunction != "core_user_get_users_by_field" {
		t.Errorf("unexpected wsfunction: %q", gotFunction)
	}
	if gotToken != "test-token" || gotFormat != "json" {
		t.Errorf("unexpected auth form values: token=%q format=%q", gotToken, gotFormat)
	}
}

func TestLookupUserByEmail_AbsentIsNotAnError(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	user, err := c.LookupUserByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		t.Errorf("expected nil user for absent account, got %+v", user)
	}
}

func TestLookupUserByEmail_Found(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":42,"username":"learner","email":"learner@example.com","fullname":"A Learner"}]`))
	})

	user, err := c.LookupUserByEmail(context.Background(), "learner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.ID != 42 || user.FullName != "A Learner" {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestCall_ExceptionPayloadIsPermanentAPIError(t *testing.T) {
	var calls int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Moodle reports errors as HTTP 200 with an exception body.
		w.Write([]byte(`{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token"}`))
	})

	_, err := c.LookupUserByEmail(context.Background(), "learner@example.com")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.ErrorCode != "invalidtoken" {
		t.Errorf("expected error code carried through, got %q", apiErr.ErrorCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("exception payloads must not be retried, got %d calls", got)
	}
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":42,"email":"learner@example.com"}]`))
	})

	user, err := c.LookupUserByEmail(context.Background(), "learner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.ID != 42 {
		t.Errorf("expected success after retries, got %+v", user)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestCall_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.LookupUserByEmail(context.Background(), "learner@example.com")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := atomic.LoadInt32(&calls); got != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, got)
	}
}

func TestEnrollUser_NullResponseIsSuccess(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostFormValue("enrolments[0][roleid]"); got != "5" {
			t.Errorf("expected student role id 5, got %q", got)
		}
		if got := r.PostFormValue("enrolments[0][userid]"); got != "42" {
			t.Errorf("expected userid 42, got %q", got)
		}
		if r.PostFormValue("enrolments[0][timestart]") == "" || r.PostFormValue("enrolments[0][timeend]") == "" {
			t.Error("expected enrolment window in form")
		}
		w.Write([]byte(`null`))
	})

	if err := c.EnrollUser(context.Background(), 42, 10, 6); err != nil {
		t.Fatal(err)
	}
}

func TestListCourseEnrollments(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":1,"email":"a@x.com","fullname":"A","lastcourseaccess":1700000000},
			{"id":2,"email":"b@x.com","fullname":"B","lastcourseaccess":0}
		]`))
	})

	users, err := c.ListCourseEnrollments(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].LastCourseAccess != 1700000000 || users[1].LastCourseAccess != 0 {
		t.Errorf("unexpected access timestamps: %+v", users)
	}
}

func TestGetUserEnrollmentDetail_FiltersToCourse(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":10,"fullname":"Data Ethics","lastaccess":1700000000},
			{"id":11,"fullname":"Open Data","lastaccess":0}
		]`))
	})

	detail, err := c.GetUserEnrollmentDetail(context.Background(), 42, 10)
	if err != nil {
		t.Fatal(err)
	}
	if detail == nil || detail.CourseName != "Data Ethics" || detail.LastAccess != 1700000000 {
		t.Errorf("unexpected detail: %+v", detail)
	}

	detail, err = c.GetUserEnrollmentDetail(context.Background(), 42, 99)
	if err != nil {
		t.Fatal(err)
	}
	if detail != nil {
		t.Errorf("expected nil detail for unenrolled course, got %+v", detail)
	}
}

func TestCreateUser(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostFormValue("users[0][createpassword]"); got != "1" {
			t.Errorf("expected createpassword flag, got %q", got)
		}
		w.Write([]byte(`[{"id":77,"username":"jane.doe@example.com"}]`))
	})

	user, err := c.CreateUser(context.Background(), "Jane.Doe@Example.com", "Jane", "Doe")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != 77 || user.Email != "jane.doe@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}
}
