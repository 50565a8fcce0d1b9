package uploader

import (
	"net/http"

	"github.com/bitrise-io/go-objectupload/apis"
	"github.com/bitrise-io/go-objectupload/hostselector"
)

// Service specific status codes that report a transient condition on the
// server side. They always punish the host.
var forcedPunishableCodes = map[int]struct{}{
	501: {}, 573: {}, 608: {}, 612: {}, 614: {}, 616: {},
	619: {}, 630: {}, 631: {}, 640: {}, 701: {},
}

// UploadPolicy is the punish policy of upload hosts.
var UploadPolicy hostselector.PunishPolicy = hostselector.PunishPolicyFunc(shouldPunish)

func shouldPunish(err error) bool {
	if !apis.IsRetryable(err) {
		return false
	}
	code, ok := apis.StatusCode(err)
	if !ok {
		return true
	}
	if _, forced := forcedPunishableCodes[code]; forced {
		return true
	}
	if code >= 400 && code < 500 && code != http.StatusNotAcceptable {
		return false
	}
	return true
}
