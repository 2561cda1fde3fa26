package startup

import (
	"time"

	"github.com/clubchat/internal/broker"
)

// ConnectNATSWithRetry подключает брокер комнат на NATS с повторами.
func ConnectNATSWithRetry(natsURL, subject string, maxWait time.Duration, logPrefix string) *broker.NATS {
	return retry("nats connect", maxWait, logPrefix, func() (*broker.NATS, error) {
		return broker.DialNATS(natsURL, subject, "clubchat-api")
	})
}
