package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		granted []string
		perm    string
		want    bool
	}{
		{[]string{PermAll}, PermRecordsReset, true},
		{[]string{PermStageRun}, PermStageRun, true},
		{[]string{PermStageRun}, PermRecordsRead, false},
		{[]string{"records.*"}, PermRecordsWrite, true},
		{[]string{"records.*"}, PermStageRun, false},
		{nil, PermRecordsRead, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.granted, tc.perm); got != tc.want {
			t.Fatalf("Allowed(%v, %s) = %v", tc.granted, tc.perm, got)
		}
	}
	var fe ForbiddenError
	if err := Require(nil, PermStageRun); !errors.As(err, &fe) || fe.Permission != PermStageRun {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestIssueAndParse(t *testing.T) {
	now := time.Now()
	token, err := Issue("s3cret", "scheduler", []string{PermStageRun}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Parse(token, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "scheduler" || len(claims.Permissions) != 1 || claims.Permissions[0] != PermStageRun {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature failure")
	}
	expired, _ := Issue("s3cret", "scheduler", nil, time.Minute, now.Add(-time.Hour))
	if _, err := Parse(expired, "s3cret"); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := Issue("s3cret", "x", []string{"stage.fly"}, 0, now); err == nil {
		t.Fatalf("expected unknown permission error")
	}
}
