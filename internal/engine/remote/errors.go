package remote

import "github.com/imtaco/conf-sfu/internal/errors"

const (
	ErrFailedRequest       errors.Code = "fail to make request"
	ErrNoneSuccessResponse errors.Code = "none success response"
)

// engineError classifies a transport or HTTP failure as an engine failure
// while keeping the request detail.
func engineError(code errors.Code, err error, path string) error {
	return errors.Wrapf(errors.ErrEngineFailure, errors.Wrap(code, err, path), "engine request")
}
