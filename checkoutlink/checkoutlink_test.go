package checkoutlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeExpired(t *testing.T) {
	now := time.Now()
	link := &CheckoutLink{ExpiresAt: now.Add(DefaultValidity)}

	assert.False(t, link.TimeExpired(now))
	assert.False(t, link.TimeExpired(now.Add(DefaultValidity)))
	assert.True(t, link.TimeExpired(now.Add(DefaultValidity+time.Second)))
}

func TestResolutionRedirectURL(t *testing.T) {
	link := &CheckoutLink{CheckoutURL: "https://checkout.stripe.com/pay/cs_old"}

	valid := &Resolution{Link: link, IsValid: true}
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_old", valid.RedirectURL())

	regenerated := &Resolution{
		Link:           link,
		IsValid:        true,
		IsExpired:      true,
		NewCheckoutURL: "https://checkout.stripe.com/pay/cs_new",
	}
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_new", regenerated.RedirectURL())

	assert.Empty(t, (&Resolution{}).RedirectURL())
}
