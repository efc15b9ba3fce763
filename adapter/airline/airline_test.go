package airline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJejuAirInvalidateTokenDropsSession(t *testing.T) {
	a := &JejuAir{cookies: []string{"JSESSIONID=abc"}, primedAt: time.Now()}

	a.InvalidateToken()

	assert.Empty(t, a.cookies, "next search must re-prime the session")
}
