package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   Type
		wantCode   string
		wantStatus int
		wantSource string
	}{
		{
			name:       "plain error becomes server error",
			err:        errors.New("disk on fire"),
			wantType:   TypeServer,
			wantCode:   CodeException,
			wantStatus: http.StatusInternalServerError,
			wantSource: "connectChannel",
		},
		{
			name:       "taxonomy error keeps fields",
			err:        Permission("updateMember", "nope"),
			wantType:   TypePermission,
			wantCode:   CodePermissionDenied,
			wantStatus: http.StatusForbidden,
			wantSource: "updateMember",
		},
		{
			name:       "wrapped taxonomy error gains source",
			err:        fmt.Errorf("load: %w", NotFound("", CodeChannelNotFound, "channel %s", "c1")),
			wantType:   TypeNotFound,
			wantCode:   CodeChannelNotFound,
			wantStatus: http.StatusNotFound,
			wantSource: "connectChannel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coerce(tt.err, "connectChannel")
			if got.Type != tt.wantType || got.Code != tt.wantCode || got.Status != tt.wantStatus || got.Source != tt.wantSource {
				t.Fatalf("Coerce = %+v, want type=%s code=%s status=%d source=%s",
					got, tt.wantType, tt.wantCode, tt.wantStatus, tt.wantSource)
			}
		})
	}

	if Coerce(nil, "x") != nil {
		t.Fatalf("Coerce(nil) must be nil")
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Permission("createMember", "level too low"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected errors.Is(err, ErrPermissionDenied)")
	}
	if errors.Is(err, ErrDataInvalid) {
		t.Fatalf("permission error must not match ErrDataInvalid")
	}
	if !errors.Is(Server("sweep", errors.New("x")), &Error{Type: TypeServer, Code: CodeException}) {
		t.Fatalf("expected server error to match template")
	}
}
