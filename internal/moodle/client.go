package moodle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	restEndpoint = "/webservice/rest/server.php"

	// Moodle role id for the "student" role in a manual enrolment.
	studentRoleID = 5

	maxAttempts = 3
)

// Client talks to the Moodle web service REST API. Moodle reports errors as
// HTTP 200 responses carrying an exception payload, so every response body is
// checked for one before decoding.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is returned when Moodle is unreachable or replies with an
// exception payload. Callers treat it as the external-service error class.
type APIError struct {
	Function  string
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("moodle %s: %s (%s)", e.Function, e.Message, e.ErrorCode)
	}
	return fmt.Sprintf("moodle %s: %s", e.Function, e.Message)
}

// User is a Moodle account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullname"`
}

// EnrolledUser is one entry of a course's enrolled-user list. LastCourseAccess
// is seconds since epoch; zero means the user has never opened the course.
type EnrolledUser struct {
	ID               int64  `json:"id"`
	Email            string `json:"email"`
	FullName         string `json:"fullname"`
	LastCourseAccess int64  `json:"lastcourseaccess"`
}

// CourseDetail is a user's per-course enrollment detail. LastAccess is the
// course-specific last access in seconds since epoch; zero means never.
type CourseDetail struct {
	CourseID   int64  `json:"id"`
	CourseName string `json:"fullname"`
	LastAccess int64  `json:"lastaccess"`
}

type exceptionPayload struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

// LookupUserByEmail resolves a Moodle account by email. Returns (nil, nil)
// when no account exists, which is a valid terminal state for callers.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	params := url.Values{}
	params.Set("field", "email")
	params.Set("values[0]", strings.ToLower(strings.TrimSpace(email)))

	var users []User
	if err := c.call(ctx, "core_user_get_users_by_field", params, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// CreateUser creates a Moodle account for the learner and returns it.
func (c *Client) CreateUser(ctx context.Context, email, firstName, lastName string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	params := url.Values{}
	params.Set("users[0][username]", email)
	params.Set("users[0][email]", email)
	params.Set("users[0][firstname]", firstName)
	params.Set("users[0][lastname]", lastName)
	params.Set("users[0][createpassword]", "1")

	var created []struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := c.call(ctx, "core_user_create_users", params, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, &APIError{Function: "core_user_create_users", Message: "empty response"}
	}
	return &User{ID: created[0].ID, Username: created[0].Username, Email: email}, nil
}

// EnrollUser manually enrols a user on a course as a student for
// durationMonths calendar months starting now.
func (c *Client) EnrollUser(ctx context.Context, userID, courseID int64, durationMonths int) error {
	now := time.Now()
	end := now.AddDate(0, durationMonths, 0)

	params := url.Values{}
	params.Set("enrolments[0][roleid]", strconv.Itoa(studentRoleID))
	params.Set("enrolments[0][userid]", strconv.FormatInt(userID, 10))
	params.Set("enrolments[0][courseid]", strconv.FormatInt(courseID, 10))
	params.Set("enrolments[0][timestart]", strconv.FormatInt(now.Unix(), 10))
	params.Set("enrolments[0][timeend]", strconv.FormatInt(end.Unix(), 10))

	// enrol_manual_enrol_users returns null on success
	return c.call(ctx, "enrol_manual_enrol_users", params, nil)
}

// ListCourseEnrollments returns the enrolled-user list for a course.
func (c *Client) ListCourseEnrollments(ctx context.Context, courseID int64) ([]EnrolledUser, error) {
	params := url.Values{}
	params.Set("courseid", strconv.FormatInt(courseID, 10))

	var users []EnrolledUser
	if err := c.call(ctx, "core_enrol_get_enrolled_users", params, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserEnrollmentDetail returns the user's enrollment detail for one
// course, or (nil, nil) if the user is not enrolled on it.
func (c *Client) GetUserEnrollmentDetail(ctx context.Context, userID, courseID int64) (*CourseDetail, error) {
	params := url.Values{}
	params.Set("userid", strconv.FormatInt(userID, 10))

	var courses []CourseDetail
	if err := c.call(ctx, "core_enrol_get_users_courses", params, &courses); err != nil {
		return nil, err
	}
	for i := range courses {
		if courses[i].CourseID == courseID {
			return &courses[i], nil
		}
	}
	return nil, nil
}

// call executes one web-service function. Transport failures and 5xx
// responses are retried with exponential backoff; exception payloads are
// permanent and surface immediately as *APIError.
func (c *Client) call(ctx context.Context, function string, params url.Values, out interface{}) error {
	form := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	form.Set("wstoken", c.token)
	form.Set("wsfunction", function)
	form.Set("moodlewsrestformat", "json")

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.doOnce(ctx, function, form)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return err
	}

	// Moodle answers "null" for write-only functions.
	if out == nil || len(body) == 0 || string(body) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Function: function, Message: fmt.Sprintf("unexpected response: %v", err)}
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, function string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+restEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(&APIError{Function: function, Message: err.Error()})
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Function: function, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Function: function, Message: err.Error()}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &APIError{Function: function, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(&APIError{Function: function, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))})
	}

	// A 200 can still be an exception payload.
	var exc exceptionPayload
	if err := json.Unmarshal(body, &exc); err == nil && exc.Exception != "" {
		return nil, backoff.Permanent(&APIError{Function: function, ErrorCode: exc.ErrorCode, Message: exc.Message})
	}

	return body, nil
}
