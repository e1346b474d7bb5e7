package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

var (
	errBadInitData     = errors.New("bad telegram init data")
	errStaleInitData   = errors.New("telegram init data expired")
	errInitDataNoUser  = errors.New("telegram init data has no user")
	errInitDataNoMatch = errors.New("telegram init data signature mismatch")
)

// TelegramAuth resolves the calling user from Telegram Mini App init data
// presented as "Authorization: tma <initData>". The init data is verified
// with the HMAC scheme Telegram documents for Web Apps: the bot token is
// keyed with the constant "WebAppData" and the resulting secret signs the
// sorted key=value pairs.
type TelegramAuth struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTelegramAuth creates a TelegramAuth for the given bot token. Init
// data older than maxAge is rejected; maxAge <= 0 disables the check.
func NewTelegramAuth(botToken string, maxAge time.Duration) *TelegramAuth {
	if botToken == "" {
		panic("api.NewTelegramAuth: empty bot token")
	}
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return &TelegramAuth{secret: mac.Sum(nil), maxAge: maxAge, now: time.Now}
}

// UserIDFromAuthHeader extracts the Telegram user id from the
// Authorization header carrying signed Mini App init data.
func (a *TelegramAuth) UserIDFromAuthHeader(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	initData, ok := strings.CutPrefix(h, "tma ")
	if !ok || initData == "" {
		return "", errBadAuthorization
	}
	return a.userIDFromInitData(initData)
}

func (a *TelegramAuth) userIDFromInitData(initData string) (string, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return "", errBadInitData
	}
	hash := values.Get("hash")
	if hash == "" {
		return "", errBadInitData
	}
	values.Del("hash")

	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return "", errInitDataNoMatch
	}

	if a.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return "", errBadInitData
		}
		if a.now().Sub(time.Unix(authDate, 0)) > a.maxAge {
			return "", errStaleInitData
		}
	}

	var user struct {
		ID int64 `json:"id"`
	}
	rawUser := values.Get("user")
	if rawUser == "" {
		return "", errInitDataNoUser
	}
	if err := sonic.ConfigStd.Unmarshal([]byte(rawUser), &user); err != nil || user.ID == 0 {
		return "", errInitDataNoUser
	}
	return strconv.FormatInt(user.ID, 10), nil
}
