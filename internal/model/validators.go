package model

import "regexp"

// Named patterns shared across entity kinds. Compiled once here; every
// field checked against the same name reuses the same expression.
var patterns = map[string]*regexp.Regexp{
	"cmssw_release":     regexp.MustCompile(`^CMSSW_\d+_\d+_\d+.{0,20}$`),
	"dataset":           regexp.MustCompile(`^/[a-zA-Z0-9\-_]{1,99}/[a-zA-Z0-9.\-_]{1,199}/[A-Z\-]{1,50}$`),
	"prepid":            regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,100}$`),
	"processing_string": regexp.MustCompile(`^[a-zA-Z0-9_]{0,100}$`),
	"sequence_step":     regexp.MustCompile(`^[a-zA-Z0-9:,@._\-]{1,150}$`),
	"subcampaign":       regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,100}$`),
}

// Matches returns a validator that accepts strings matching the named
// pattern. Unknown names yield a validator that rejects everything,
// which surfaces as an ordinary validation failure.
func Matches(name string) Validator {
	re, ok := patterns[name]
	return func(value any) bool {
		if !ok {
			return false
		}
		s, isString := value.(string)
		return isString && re.MatchString(s)
	}
}

// In returns a validator accepting only the listed string values.
func In(allowed ...string) Validator {
	set := make(map[string]struct{}, len(allowed))
	for _, item := range allowed {
		set[item] = struct{}{}
	}
	return func(value any) bool {
		s, ok := value.(string)
		if !ok {
			return false
		}
		_, ok = set[s]
		return ok
	}
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
