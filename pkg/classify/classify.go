package classify

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Signals are the raw failure inputs understood by Classify.
type Signals struct {
	Message       string
	ErrorID       string
	ExceptionKind string
	Category      Category
}

// Signaler is implemented by errors that carry structured failure signals,
// such as the error records streamed by the scripting session.
type Signaler interface {
	Signals() Signals
}

// Func classifies an arbitrary error. FromError is the default.
type Func func(err error) NormalizedError

// Classify maps raw failure signals onto the taxonomy. Rules are applied
// in precedence order and the first match wins:
//
//  1. deprecation notices are benign (Unknown, not transient)
//  2. known structured error identifiers
//  3. vendor numeric authentication codes (AADSTS)
//  4. the category hint
//  5. keyword heuristics on the message and exception kind
//  6. Unknown
func Classify(message, errorID, exceptionKind string, category Category) NormalizedError {
	if IsDeprecationNotice(message) {
		return NormalizedError{Code: CodeUnknown, Message: message}
	}

	lower := strings.ToLower(message)

	if errorID != "" {
		if code, ok := classifyErrorID(errorID, lower); ok {
			return newError(code, message)
		}
	}

	if code, ok := classifyVendorCode(message); ok {
		return newError(code, message)
	}

	if category != CategoryNone {
		if code, ok := classifyCategory(category, lower); ok {
			return newError(code, message)
		}
	}

	if ne, ok := classifyKeywords(message, lower, strings.ToLower(exceptionKind)); ok {
		return ne
	}

	return NormalizedError{Code: CodeUnknown, Message: message}
}

// ClassifySignals is Classify over a Signals value.
func ClassifySignals(s Signals) NormalizedError {
	return Classify(s.Message, s.ErrorID, s.ExceptionKind, s.Category)
}

// FromError classifies err. A NormalizedError anywhere in the chain is
// returned as is, a Signaler contributes its structured signals, and an
// expired deadline is a transient Timeout. Everything else is classified
// from its message alone.
func FromError(err error) NormalizedError {
	if err == nil {
		return NormalizedError{Code: CodeUnknown}
	}

	var ne *NormalizedError
	if errors.As(err, &ne) {
		return *ne
	}

	var sig Signaler
	if errors.As(err, &sig) {
		return ClassifySignals(sig.Signals())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, err.Error())
	}

	return Classify(err.Error(), "", "", CategoryNone)
}

// Structured identifier sets, keyed by the lowercased leading segment of a
// fully qualified error id ("CommandNotFoundException,Microsoft...").
var (
	authErrorIDs = setOf(
		"AuthenticationFailed", "UnauthorizedAccess", "InvalidCredentials",
		"TokenExpired", "InvalidToken", "LoginFailed", "AuthenticationError",
		"InteractiveAuthRequired", "MsalServiceException", "MsalUiRequiredException",
		"MsalClientException",
	)

	permissionErrorIDs = setOf(
		"AccessDenied", "Forbidden", "InsufficientPrivileges", "InsufficientPermissions",
		"UnauthorizedOperation", "PermissionDenied", "RbacPermissionDenied",
	)

	cmdletErrorIDs = setOf(
		"CommandNotFoundException", "ModuleNotFound", "ModuleNotLoaded",
		"ParameterBindingFailed", "NamedParameterNotFound", "ParameterArgumentValidationError",
		"MissingMandatoryParameter", "PositionalParameterNotFound",
	)
)

func setOf(ids ...string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[strings.ToLower(id)] = true
	}
	return set
}

func errorIDHead(errorID string) string {
	head := errorID
	if i := strings.IndexByte(head, ','); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(strings.TrimSpace(head))
}

func classifyErrorID(errorID, lowerMessage string) (ErrorCode, bool) {
	head := errorIDHead(errorID)
	text := lowerMessage + " " + strings.ToLower(errorID)

	switch {
	case authErrorIDs[head]:
		return authSubtype(text), true
	case permissionErrorIDs[head]:
		return permissionSubtype(text), true
	case cmdletErrorIDs[head]:
		return cmdletSubtype(text), true
	}
	return "", false
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func authSubtype(text string) ErrorCode {
	switch {
	case containsAny(text, "mfa", "multi-factor", "multifactor", "strong authentication", "strongauthentication", "two-factor", "2fa"):
		return CodeMfaRequired
	case containsAny(text, "conditional access", "conditionalaccess", "blocked by policy", "access policy", "policy does not allow", "blocked by conditional"):
		return CodeConditionalAccessBlocked
	case strings.Contains(text, "refresh token") && containsAny(text, "expired", "revoked"):
		return CodeTokenExpired
	case strings.Contains(text, "token") && containsAny(text, "expired", "invalid"):
		return CodeTokenExpired
	default:
		return CodeAuthenticationFailed
	}
}

func permissionSubtype(text string) ErrorCode {
	if containsAny(text, "insufficient", "privilege") {
		return CodeInsufficientPrivileges
	}
	return CodePermissionDenied
}

func cmdletSubtype(text string) ErrorCode {
	switch {
	case containsAny(text, "not recognized", "command not found", "commandnotfound"):
		return CodeCmdletNotAvailable
	case strings.Contains(text, "module"):
		return CodeModuleNotLoaded
	case containsAny(text, "parameter", "argument"):
		return CodeInvalidParameter
	default:
		return CodeOperationNotSupported
	}
}

var vendorAuthCode = regexp.MustCompile(`(?i)AADSTS(\d{5,6})`)

var (
	mfaVendorCodes   = intSet(50072, 50074, 50076, 50079, 50158)
	tokenVendorCodes = intSet(50132, 50133, 50173, 70008, 70043, 700082, 700084)
)

func intSet(codes ...int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

func classifyVendorCode(message string) (ErrorCode, bool) {
	m := vendorAuthCode.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return CodeAuthenticationFailed, true
	}
	switch {
	case mfaVendorCodes[n]:
		return CodeMfaRequired, true
	case tokenVendorCodes[n]:
		return CodeTokenExpired, true
	default:
		return CodeAuthenticationFailed, true
	}
}

func classifyCategory(category Category, lowerMessage string) (ErrorCode, bool) {
	switch strings.ToLower(string(category)) {
	case "permissiondenied", "securityerror":
		return CodePermissionDenied, true
	case "authenticationerror":
		return authSubtype(lowerMessage), true
	case "resourceunavailable":
		return CodeServiceUnavailable, true
	case "connectionerror":
		return CodeNetworkError, true
	case "operationtimeout":
		return CodeTimeout, true
	case "objectnotfound":
		if containsAny(lowerMessage, "command", "cmdlet") {
			return CodeCmdletNotAvailable, true
		}
		return CodeResourceNotFound, true
	case "resourceexists":
		return CodeResourceAlreadyExists, true
	case "invalidargument":
		return CodeInvalidParameter, true
	case "invalidoperation":
		return CodeOperationNotSupported, true
	}
	return "", false
}

var (
	throttleKeywords = []string{
		"throttl", "too many requests", "rate limit", "ratelimit", "rate-limit",
		"request limit", "quota exceeded", "server too busy", "back off", "backoff",
	}
	authKeywords = []string{
		"unauthorized", "unauthenticated", "authentication", "authenticate",
		"login failed", "logon failure", "sign-in", "credentials",
		"access token", "token expired", "token has expired", "mfa", "multi-factor",
		"conditional access",
	}
	permissionKeywords = []string{
		"access denied", "access is denied", "permission", "forbidden", "not authorized",
		"insufficient privileges", "insufficient access rights", "privilege",
	}
	timeoutKeywords = []string{
		"timed out", "timeout", "time out", "deadline exceeded",
	}
	networkKeywords = []string{
		"network", "connection reset", "connection refused", "connection closed",
		"connection was closed", "forcibly closed", "could not connect", "unable to connect",
		"socket", "name resolution", "no such host", "host unreachable",
		"remote name could not be resolved", "broken pipe", "unexpected eof",
	}
	serviceKeywords = []string{
		"service unavailable", "service is unavailable", "temporarily unavailable",
		"server is busy", "server busy", "try again later", "bad gateway",
		"internal server error",
	}
	networkExceptionKinds = []string{
		"socket", "webexception", "httprequest", "ioexception", "connection",
	}
	notFoundKeywords = []string{
		"not found", "could not be found", "cannot be found", "does not exist",
		"doesn't exist", "couldn't find", "could not find", "cannot find", "can't find", "no such",
	}
	existsKeywords = []string{
		"already exists", "already exist", "already in use", "duplicate",
	}
)

// Status codes count only next to an HTTP word, so ids and paths that
// happen to contain the digits do not match.
var (
	throttleStatus = regexp.MustCompile(`\b(?:status|http(?:/\d(?:\.\d)?)?|code|error|returned|response)\b[^0-9\n]{0,12}429\b`)
	serviceStatus  = regexp.MustCompile(`\b(?:status|http(?:/\d(?:\.\d)?)?|code|error|returned|response)\b[^0-9\n]{0,12}50[234]\b`)
)

func classifyKeywords(message, lower, kind string) (NormalizedError, bool) {
	if containsAny(lower, throttleKeywords...) || throttleStatus.MatchString(lower) {
		ne := newError(CodeThrottling, message)
		if d, ok := ExtractRetryAfter(message); ok {
			ne.RetryAfter = d
		}
		return ne, true
	}

	if containsAny(lower, authKeywords...) {
		return newError(authSubtype(lower), message), true
	}

	if containsAny(lower, permissionKeywords...) {
		return newError(permissionSubtype(lower), message), true
	}

	switch {
	case containsAny(lower, timeoutKeywords...) || strings.Contains(kind, "timeout"):
		return newError(CodeTimeout, message), true
	case containsAny(lower, networkKeywords...) || containsAny(kind, networkExceptionKinds...):
		return newError(CodeNetworkError, message), true
	case containsAny(lower, serviceKeywords...) || serviceStatus.MatchString(lower):
		return newError(CodeServiceUnavailable, message), true
	}

	switch {
	case containsAny(lower, "is not recognized", "command not found", "commandnotfound") ||
		strings.Contains(kind, "commandnotfound"):
		return newError(CodeCmdletNotAvailable, message), true
	case strings.Contains(lower, "module") &&
		containsAny(lower, "not loaded", "not found", "not installed", "could not be loaded", "not available", "no valid module"):
		return newError(CodeModuleNotLoaded, message), true
	case strings.Contains(lower, "parameter") &&
		containsAny(lower, "cannot be found", "cannot bind", "invalid", "missing", "does not match", "validat", "cannot process"):
		return newError(CodeInvalidParameter, message), true
	case containsAny(lower, "cannot validate argument", "invalid argument") || strings.Contains(kind, "parameterbinding"):
		return newError(CodeInvalidParameter, message), true
	case containsAny(lower, "not supported", "operation is not valid") || strings.Contains(kind, "notsupported"):
		return newError(CodeOperationNotSupported, message), true
	}

	switch {
	case containsAny(lower, notFoundKeywords...):
		return newError(CodeResourceNotFound, message), true
	case containsAny(lower, existsKeywords...):
		return newError(CodeResourceAlreadyExists, message), true
	}

	return NormalizedError{}, false
}

// maxRetryAfterSeconds is the largest hint representable as a Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry-after\s*[:=]?\s*(\d+)`),
	regexp.MustCompile(`(?i)retry\b[^0-9]{0,40}?(\d+)\s*(?:seconds?|secs?|s\b)`),
	regexp.MustCompile(`(?i)back\s*off\b[^0-9]{0,40}?(\d+)`),
}

// ExtractRetryAfter scans message for a server wait hint: an explicit
// retry-after header, then a "retry ... N seconds" phrase, then a
// "back off ... N" phrase. The first match is returned in seconds.
func ExtractRetryAfter(message string) (time.Duration, bool) {
	for _, re := range retryAfterPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			continue
		}
		if err != nil || n > maxRetryAfterSeconds {
			return time.Duration(maxRetryAfterSeconds) * time.Second, true
		}
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
