package pool

import (
	"net/url"
	"strings"
)

const motherDuckPrefix = "md:"

// IsMotherDuckDSN reports whether dsn targets a hosted MotherDuck database,
// either as "md:<db>" or "motherduck://<db>".
func IsMotherDuckDSN(dsn string) bool {
	return strings.HasPrefix(dsn, motherDuckPrefix) || strings.HasPrefix(dsn, "motherduck://")
}

// resolveDSN turns a configured DSN into the form the DuckDB driver opens.
// ":memory:" becomes the empty in-memory DSN. MotherDuck DSNs are rewritten
// to "md:<db>" and receive token unless one is already present.
func resolveDSN(dsn, token string) string {
	if dsn == ":memory:" {
		return ""
	}
	if !IsMotherDuckDSN(dsn) {
		return dsn
	}

	rest := strings.TrimPrefix(strings.TrimPrefix(dsn, motherDuckPrefix), "motherduck://")
	db, rawQuery, _ := strings.Cut(rest, "?")
	db = strings.Trim(db, "/")

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	if token != "" && q.Get("motherduck_token") == "" {
		q.Set("motherduck_token", token)
	}
	if len(q) == 0 {
		return motherDuckPrefix + db
	}
	return motherDuckPrefix + db + "?" + q.Encode()
}

// maskDSN hides passwords, tokens and secrets but keeps enough of the string
// to be recognisable in logs. Non-URL DSNs keep only their first and last
// three runes.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

// MaskDSN is maskDSN for callers outside the package, such as the Postgres store.
func MaskDSN(dsn string) string { return maskDSN(dsn) }

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
