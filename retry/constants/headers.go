package constant

const (
	// HeaderUserAgent is the HTTP User-Agent header key.
	HeaderUserAgent = "User-Agent"
	// HeaderRealIP is the de-facto upstream real client IP header key.
	HeaderRealIP = "X-Real-Ip"
	// HeaderForwardedFor is the X-Forwarded-For header key.
	HeaderForwardedFor = "X-Forwarded-For"
	// HeaderID is the request identifier header key.
	HeaderID = "X-Request-Id"
	// HeaderTraceparent is the W3C traceparent header key.
	HeaderTraceparent = "Traceparent"
	// HeaderTracestate is the W3C tracestate header key.
	HeaderTracestate = "Tracestate"
	// HeaderContentType is the HTTP Content-Type header key.
	HeaderContentType = "Content-Type"
	// Authorization is the HTTP Authorization header key.
	Authorization = "Authorization"

	// RateLimitLimit is the header containing the configured request quota.
	RateLimitLimit = "X-RateLimit-Limit"
	// RateLimitRemaining is the header containing remaining requests in the current window.
	RateLimitRemaining = "X-RateLimit-Remaining"
	// RateLimitReset is the header containing the reset time for the current window.
	RateLimitReset = "X-RateLimit-Reset"
	// RetryAfter is the header advising clients how long to back off.
	RetryAfter = "Retry-After"
)
