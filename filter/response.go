package filter

import (
	"net/http"
	"slices"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/golang/protobuf/ptypes/wrappers"
)

// routerHeaders requires ClearRouteCache to be set to true
var routerHeaders = map[string]struct{}{
	"host":       {},
	":authority": {},
	":path":      {},
	":method":    {},
}

func isRouterHeader(key string) bool {
	_, ok := routerHeaders[key]
	return ok
}

// CommonResponseWriter builds the extproc.CommonResponse answering a headers
// message. Mutations are mirrored on the headers it was created with.
type CommonResponseWriter struct {
	commonResponse *extproc.CommonResponse
	headers        http.Header
}

func NewCommonResponseWriter(headers http.Header) *CommonResponseWriter {
	if headers == nil {
		headers = make(http.Header)
	}
	return &CommonResponseWriter{
		commonResponse: &extproc.CommonResponse{
			HeaderMutation: &extproc.HeaderMutation{},
		},
		headers: headers,
	}
}

func (crw *CommonResponseWriter) headerAction(key string, value string, appendAction corev3.HeaderValueOption_HeaderAppendAction) *CommonResponseWriter {
	var shouldAppend *wrappers.BoolValue
	switch appendAction {
	case corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD:
		shouldAppend = &wrappers.BoolValue{Value: true} // FIXME: not the documented behavior but the only way Envoy appends.
		crw.headers.Add(key, value)
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS:
		crw.headers.Set(key, value)
	}
	crw.commonResponse.HeaderMutation.SetHeaders = append(crw.commonResponse.HeaderMutation.SetHeaders, &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{
			Key: key,
			// Envoy reads raw_value when envoy_reloadable_features_send_header_raw_value is on, which is the default.
			RawValue: []byte(value),
		},
		AppendAction: appendAction,
		Append:       shouldAppend,
	})
	if isRouterHeader(key) {
		crw.ClearRouteCache(true)
	}
	return crw
}

// SetHeader sets a header using the OVERWRITE_IF_EXISTS_OR_ADD action: existing values are discarded.
func (crw *CommonResponseWriter) SetHeader(key string, value string) *CommonResponseWriter {
	return crw.headerAction(key, value, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD)
}

// AppendHeader appends a value using the APPEND_IF_EXISTS_OR_ADD action.
func (crw *CommonResponseWriter) AppendHeader(key string, value string) *CommonResponseWriter {
	return crw.headerAction(key, value, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD)
}

// RemoveHeaders removes these HTTP headers. Attempts to remove system headers -- any header starting with ":", plus "host" -- will be ignored by Envoy.
func (crw *CommonResponseWriter) RemoveHeaders(headers ...string) *CommonResponseWriter {
	for _, h := range headers {
		if slices.Contains(crw.commonResponse.HeaderMutation.RemoveHeaders, h) {
			continue
		}
		crw.commonResponse.HeaderMutation.RemoveHeaders = append(crw.commonResponse.HeaderMutation.RemoveHeaders, h)
		crw.headers.Del(h)
	}
	return crw
}

// ClearRouteCache clears the route cache for the current client request. This is necessary if the remote server modified headers that are used to calculate the route. This field is ignored in the response direction.
func (crw *CommonResponseWriter) ClearRouteCache(clear bool) *CommonResponseWriter {
	crw.commonResponse.ClearRouteCache = clear
	return crw
}

// CommonResponse returns the underlying extproc.CommonResponse
func (crw *CommonResponseWriter) CommonResponse() *extproc.CommonResponse {
	return crw.commonResponse
}
