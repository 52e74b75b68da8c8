package matching

import "strings"

// defaultNicknames maps a canonical given name to its common short forms.
// Lookups work in both directions through NicknameTable.
var defaultNicknames = map[string][]string{
	"robert":      {"rob", "bob", "bobby", "robbie"},
	"william":     {"will", "bill", "billy", "willy", "liam"},
	"richard":     {"rich", "rick", "ricky", "dick"},
	"james":       {"jim", "jimmy", "jamie"},
	"john":        {"jack", "johnny", "jon"},
	"joseph":      {"joe", "joey"},
	"michael":     {"mike", "mikey", "mick"},
	"thomas":      {"tom", "tommy"},
	"christopher": {"chris", "topher"},
	"daniel":      {"dan", "danny"},
	"matthew":     {"matt", "matty"},
	"anthony":     {"tony"},
	"edward":      {"ed", "eddie", "ted", "ned"},
	"steven":      {"steve"},
	"stephen":     {"steve"},
	"andrew":      {"andy", "drew"},
	"benjamin":    {"ben", "benny"},
	"nicholas":    {"nick", "nicky"},
	"alexander":   {"alex", "al", "xander"},
	"albert":      {"al", "bert"},
	"charles":     {"charlie", "chuck", "chaz"},
	"david":       {"dave", "davey"},
	"gregory":     {"greg"},
	"jonathan":    {"jon", "jonny"},
	"kenneth":     {"ken", "kenny"},
	"patrick":     {"pat", "paddy"},
	"peter":       {"pete"},
	"samuel":      {"sam", "sammy"},
	"timothy":     {"tim", "timmy"},
	"elizabeth":   {"liz", "beth", "betty", "lizzie", "eliza"},
	"margaret":    {"maggie", "meg", "peggy"},
	"katherine":   {"kate", "katie", "kathy", "kat"},
	"catherine":   {"cathy", "cat", "kate"},
	"jennifer":    {"jen", "jenny"},
	"jessica":     {"jess", "jessie"},
	"rebecca":     {"becky", "becca"},
	"susan":       {"sue", "susie"},
	"patricia":    {"pat", "patty", "trish"},
	"deborah":     {"deb", "debbie"},
	"victoria":    {"vicky", "tori"},
	"samantha":    {"sam", "sammy"},
	"alexandra":   {"alex", "lexi", "sandra"},
	"christina":   {"chris", "tina"},
	"abigail":     {"abby"},
	"kimberly":    {"kim"},
}

// NicknameTable is a bidirectional canonical-name/nickname lookup.
type NicknameTable struct {
	nicknames  map[string][]string
	canonicals map[string][]string
}

// NewNicknameTable builds a table from canonical -> nicknames entries. Keys and values are lowercased.
func NewNicknameTable(entries map[string][]string) *NicknameTable {
	t := &NicknameTable{
		nicknames:  make(map[string][]string, len(entries)),
		canonicals: make(map[string][]string),
	}
	for canonical, nicks := range entries {
		canonical = strings.ToLower(canonical)
		for _, nick := range nicks {
			nick = strings.ToLower(nick)
			t.nicknames[canonical] = append(t.nicknames[canonical], nick)
			t.canonicals[nick] = append(t.canonicals[nick], canonical)
		}
	}
	return t
}

// DefaultNicknames returns the built-in table of English given names.
func DefaultNicknames() *NicknameTable {
	return NewNicknameTable(defaultNicknames)
}

// Nicknames returns the short forms of a canonical name.
func (t *NicknameTable) Nicknames(canonical string) []string {
	return t.nicknames[canonical]
}

// Canonicals returns every canonical name a nickname may stand for.
func (t *NicknameTable) Canonicals(nickname string) []string {
	return t.canonicals[nickname]
}

// Expand returns tokens plus the nicknames of canonical tokens and the canonical forms of nickname tokens.
func (t *NicknameTable) Expand(tokens map[string]struct{}) map[string]struct{} {
	expanded := make(map[string]struct{}, len(tokens))
	for token := range tokens {
		expanded[token] = struct{}{}
		for _, nick := range t.nicknames[token] {
			expanded[nick] = struct{}{}
		}
		for _, canonical := range t.canonicals[token] {
			expanded[canonical] = struct{}{}
		}
	}
	return expanded
}
