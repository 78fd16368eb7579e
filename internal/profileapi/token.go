package profileapi

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDFromToken reads the numeric user id from a bearer token's claims.
// The signature is not checked: the id only seeds the local integrity stamp
// and grants nothing.
func UserIDFromToken(token string) (int64, bool) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return 0, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, false
	}
	for _, key := range []string{"userId", "user_id", "sub"} {
		if id, ok := claimInt64(claims[key]); ok {
			return id, true
		}
	}
	return 0, false
}

func claimInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v <= 0 || v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil && id > 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}
