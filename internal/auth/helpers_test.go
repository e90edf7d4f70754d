package auth

import (
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

func staticSource(access string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access, Expiry: time.Now().Add(time.Hour)})
}

func jsonInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
