package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	roomIDRegex   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	streamIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,96}$`)
)

var aliases = map[string]string{
	"transportrole": "oneof=producer consumer",
	"mediakind":     "oneof=audio video",
	"participantid": "min=1,max=128",
}

func init() {
	MustRegisterGin("roomid", ValidateRoomID)
	MustRegisterGin("streamid", ValidateStreamID)
	for tag, alias := range aliases {
		MustRegisterGinAlias(tag, alias)
	}
}

// Setup registers the custom tags on a standalone validator, e.g. the one
// used to bind signaling params.
func Setup(v *validator.Validate) error {
	if err := Register(v, "roomid", ValidateRoomID); err != nil {
		return err
	}
	if err := Register(v, "streamid", ValidateStreamID); err != nil {
		return err
	}
	for tag, alias := range aliases {
		RegisterAlias(v, tag, alias)
	}
	return nil
}

// ValidateRoomID accepts 1-64 characters of letters, digits, hyphens and underscores.
// Room ids end up in stream ids and therefore in filesystem paths.
func ValidateRoomID(fl validator.FieldLevel) bool {
	return roomIDRegex.MatchString(fl.Field().String())
}

func ValidateStreamID(fl validator.FieldLevel) bool {
	return streamIDRegex.MatchString(fl.Field().String())
}

func IsRoomID(s string) bool {
	return roomIDRegex.MatchString(s)
}

func IsStreamID(s string) bool {
	return streamIDRegex.MatchString(s)
}
