package validation

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ValidationTestSuite struct {
	suite.Suite
	validator *validator.Validate
}

func (s *ValidationTestSuite) SetupTest() {
	s.validator = validator.New()
	s.Require().NoError(Setup(s.validator))
}

func TestValidationTestSuite(t *testing.T) {
	suite.Run(t, new(ValidationTestSuite))
}

func (s *ValidationTestSuite) TestRoomID() {
	type req struct {
		RoomID string `validate:"required,roomid"`
	}

	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{name: "single char", roomID: "r", wantErr: false},
		{name: "alphanumeric", roomID: "room123", wantErr: false},
		{name: "hyphen and underscore", roomID: "My-Room_1", wantErr: false},
		{name: "max length", roomID: strings.Repeat("a", 64), wantErr: false},
		{name: "too long", roomID: strings.Repeat("a", 65), wantErr: true},
		{name: "empty", roomID: "", wantErr: true},
		{name: "path separator", roomID: "a/b", wantErr: true},
		{name: "dot dot", roomID: "..", wantErr: true},
		{name: "space", roomID: "room 1", wantErr: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			err := s.validator.Struct(req{RoomID: tt.roomID})
			if tt.wantErr {
				s.Error(err)
			} else {
				s.NoError(err)
			}
		})
	}
}

func (s *ValidationTestSuite) TestStreamID() {
	s.True(IsStreamID("room1-4f3a2b1c"))
	s.True(IsStreamID(strings.Repeat("x", 96)))
	s.False(IsStreamID(strings.Repeat("x", 97)))
	s.False(IsStreamID("../etc"))
	s.False(IsStreamID(""))
}

func (s *ValidationTestSuite) TestTransportRole() {
	type req struct {
		Role string `validate:"required,transportrole"`
	}

	s.NoError(s.validator.Struct(req{Role: "producer"}))
	s.NoError(s.validator.Struct(req{Role: "consumer"}))
	s.Error(s.validator.Struct(req{Role: "viewer"}))
	s.Error(s.validator.Struct(req{Role: ""}))
}

func (s *ValidationTestSuite) TestMediaKind() {
	type req struct {
		Kind string `validate:"required,mediakind"`
	}

	s.NoError(s.validator.Struct(req{Kind: "audio"}))
	s.NoError(s.validator.Struct(req{Kind: "video"}))
	s.Error(s.validator.Struct(req{Kind: "data"}))
}

func (s *ValidationTestSuite) TestRegisterAlias() {
	RegisterAlias(s.validator, "testalias", "required,min=5")

	type req struct {
		Field string `validate:"testalias"`
	}

	s.NoError(s.validator.Struct(req{Field: "hello"}))
	s.Error(s.validator.Struct(req{Field: "hi"}))
}

func (s *ValidationTestSuite) TestFormatValidationError() {
	type req struct {
		RoomID string `validate:"required,roomid"`
		Kind   string `validate:"required,mediakind"`
	}

	err := s.validator.Struct(req{RoomID: "bad room", Kind: "data"})
	s.Require().Error(err)

	formatted := FormatValidationError(err)
	s.Len(formatted, 2)

	fields := make(map[string]bool)
	for _, e := range formatted {
		fields[e.Field] = true
		s.NotEmpty(e.Message)
	}
	s.True(fields["RoomID"])
	s.True(fields["Kind"])
}

func (s *ValidationTestSuite) TestFormatValidationErrorNonValidationError() {
	s.Empty(FormatValidationError(assert.AnError))
	s.Empty(FormatValidationError(nil))
}
