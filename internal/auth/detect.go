package auth

import (
	"regexp"
	"strings"
)

// loginFormPattern matches a form posting to a logon or login endpoint.
var loginFormPattern = regexp.MustCompile(`<form[^>]+action="[^"]*(?:Logon|login)[^"]*"`)

// IsLoginRequired reports whether body is a login challenge page.
func IsLoginRequired(body []byte) bool {
	return loginFormPattern.Match(body)
}

// UnknownUsername is returned when the logoff banner carries no name.
const UnknownUsername = "unknown (error fetching username)"

var (
	logOffTitlePattern = regexp.MustCompile(`"title":\s?"Log Off ([^"]+)"`)
	titlePattern       = regexp.MustCompile(`"title":\s?"([^"]+)"`)
)

// ExtractUserNameSAS9 reads the signed-in user from the stored process web
// app's logoff banner. Multi-word names collapse to the lower-cased first
// three letters of each word, so "SAS User One" becomes "sasuseone".
func ExtractUserNameSAS9(body string) string {
	m := logOffTitlePattern.FindStringSubmatch(body)
	if m == nil {
		m = titlePattern.FindStringSubmatch(body)
	}
	if m == nil {
		return UnknownUsername
	}

	words := strings.Fields(m[1])
	switch len(words) {
	case 0:
		return UnknownUsername
	case 1:
		return words[0]
	}

	var b strings.Builder
	for _, w := range words {
		r := []rune(w)
		if len(r) > 3 {
			r = r[:3]
		}
		b.WriteString(strings.ToLower(string(r)))
	}
	return b.String()
}

// LoginSuccessHeaders maps a two-letter locale to the phrase the logon page
// shows after a successful sign in.
var LoginSuccessHeaders = map[string]string{
	"en":      "You have signed in.",
	"fr":      "Vous êtes connecté.",
	"es":      "Ya se ha iniciado la sesión.",
	"de":      "Sie sind angemeldet.",
	"it":      "Accesso effettuato.",
	"pt":      "Você se conectou.",
	"nl":      "U bent aangemeld.",
	"ja":      "サインインしました。",
	"zh":      "您已登录。",
	"ko":      "로그인했습니다.",
	"pl":      "Zalogowano.",
	"sv":      "Du har loggat in.",
	"default": "You have signed in.",
}

// SuccessPhrase looks up locale, falling back from xx-YY to xx and then to
// the default entry.
func SuccessPhrase(locale string) string {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if phrase, ok := LoginSuccessHeaders[key]; ok && key != "" {
		return phrase
	}
	if prefix, _, ok := strings.Cut(key, "-"); ok {
		if phrase, ok := LoginSuccessHeaders[prefix]; ok {
			return phrase
		}
	}
	return LoginSuccessHeaders["default"]
}
