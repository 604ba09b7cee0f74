package alerts

import (
	"context"
	"fmt"

	"github.com/vmoreau/didgate/internal/mfa"
)

// EmailNotifier delivers alerts to an operator mailbox through the same
// mail transport the MFA service uses.
type EmailNotifier struct {
	mailer mfa.Mailer
	to     string
}

func NewEmailNotifier(mailer mfa.Mailer, to string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, to: to}
}

func (n *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("[%s] suspicious authentication activity for %s", a.Tier, a.DID)
	body := fmt.Sprintf(
		"Suspicious authentication attempt detected.\n\n"+
			"DID: %s\nAttack probability: %.3f\nSource IP: %s\nGeo: %s\nReason: %s\nAt: %s\n",
		a.DID, a.AttackProbability, a.SourceIP, a.Geo, a.Reason, a.OccurredAt.Format("2006-01-02 15:04:05 UTC"),
	)
	return n.mailer.Send(ctx, n.to, subject, body)
}
