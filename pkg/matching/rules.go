package matching

import (
	"regexp"
	"strings"
	"unicode"
)

// Rule pulls a contract number out of free text. Normalize returns false to
// reject a candidate so the rule can try the next occurrence.
type Rule struct {
	Name      string
	Pattern   *regexp.Regexp
	Normalize func(code string) (string, bool)
}

// Extract returns the first accepted code in text.
func (r Rule) Extract(text string) (string, bool) {
	for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 {
			continue
		}
		if code, ok := r.Normalize(m[1]); ok {
			return code, true
		}
	}
	return "", false
}

func upperCode(code string) (string, bool) {
	code = strings.ToUpper(strings.Trim(code, "-"))
	return code, code != ""
}

// bareToken accepts tokens of at least five characters that carry a digit,
// so plain names are never read as contract numbers.
func bareToken(code string) (string, bool) {
	if len(code) < 5 || !strings.ContainsFunc(code, unicode.IsDigit) {
		return "", false
	}
	return upperCode(code)
}

// ContractNumberRules is the extraction cascade, in precedence order.
var ContractNumberRules = []Rule{
	{
		// "number" and "no" only count as a label when a separator follows,
		// so codes such as NOV2024-001 are read whole.
		Name:      "labeled",
		Pattern:   regexp.MustCompile(`(?i)(?:\bcontract\b|เลขที่สัญญา|สัญญา)\s*(?:(?:number|no\.?)(?:\s*[:#\-.]\s*|\s+))?[:#\-.]?\s*([A-Za-z0-9][A-Za-z0-9\-]*)`),
		Normalize: upperCode,
	},
	{
		Name:      "hash",
		Pattern:   regexp.MustCompile(`#\s*([A-Za-z0-9][A-Za-z0-9\-]*)`),
		Normalize: upperCode,
	},
	{
		Name:      "bare",
		Pattern:   regexp.MustCompile(`\b([A-Za-z0-9][A-Za-z0-9\-]{4,})\b`),
		Normalize: bareToken,
	},
}

// ExtractContractNumber runs rules in order; the first rule that yields a
// code wins.
func ExtractContractNumber(rules []Rule, text string) (code, rule string, ok bool) {
	for _, r := range rules {
		if code, ok := r.Extract(text); ok {
			return code, r.Name, true
		}
	}
	return "", "", false
}
