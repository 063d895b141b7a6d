package messaging

import (
	"net/url"
	"strings"
)

// #nosec G101 -- placeholder, not a credential
const redactedAMQPPlaceholder = "amqp://****:****@<host>:<port>/<vhost>"

// redactAMQPURL masks the password of an amqp:// or amqps:// URL, keeping the user
// for debugging. Anything unparsable collapses to a placeholder.
func redactAMQPURL(amqpURL string) string {
	u, err := url.Parse(amqpURL)
	if err != nil || u.Host == "" || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return redactedAMQPPlaceholder
	}
	_, hasPassword := u.User.Password()
	if !hasPassword {
		return u.String()
	}

	// url.UserPassword would escape the mask, so userinfo is spliced in by hand.
	userInfo := url.User(u.User.Username()).String() + ":****@"
	u.User = nil
	return strings.Replace(u.String(), "://", "://"+userInfo, 1)
}
