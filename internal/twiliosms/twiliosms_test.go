package twiliosms

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	calls  int
	params *twilioApi.CreateMessageParams
	msg    *twilioApi.ApiV2010Message
	err    error
	delay  time.Duration
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.calls++
	f.params = params
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.msg, f.err
}

func strPtr(s string) *string { return &s }

func TestSendSMS_Success(t *testing.T) {
	fake := &fakeCreator{msg: &twilioApi.ApiV2010Message{Sid: strPtr("SM123"), Status: strPtr("queued")}}
	c := &Client{api: fake, fromNumber: "+15550001111", statusCallback: "https://example.test/webhooks/sms/status"}

	res, err := c.SendSMS(context.Background(), "+15551234567", "Check the fuse.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SID != "SM123" || res.Status != "queued" {
		t.Errorf("unexpected result %+v", res)
	}
	if *fake.params.To != "+15551234567" || *fake.params.From != "+15550001111" || *fake.params.Body != "Check the fuse." {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *fake.params.To, *fake.params.From, *fake.params.Body)
	}
	if fake.params.StatusCallback == nil || *fake.params.StatusCallback != "https://example.test/webhooks/sms/status" {
		t.Error("expected status callback to be set")
	}
}

func TestSendSMS_Error(t *testing.T) {
	c := &Client{api: &fakeCreator{err: errors.New("21211 invalid To")}, fromNumber: "+15550001111"}
	if _, err := c.SendSMS(context.Background(), "+1", "x"); err == nil {
		t.Fatal("expected error")
	}
}

// netTimeout is what net/http reports when the client timeout fires.
type netTimeout struct{}

func (netTimeout) Error() string   { return "Client.Timeout exceeded while awaiting headers" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestSendSMS_ContextDeadlineDoesNotAbandonRequest(t *testing.T) {
	fake := &fakeCreator{delay: 100 * time.Millisecond, msg: &twilioApi.ApiV2010Message{Sid: strPtr("SM1"), Status: strPtr("queued")}}
	c := &Client{api: fake, fromNumber: "+15550001111"}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := c.SendSMS(ctx, "+15551234567", "x")
	if err != nil {
		t.Fatalf("a request in flight should finish, got %v", err)
	}
	if res.SID != "SM1" || fake.calls != 1 {
		t.Errorf("expected one created message, got %+v after %d calls", res, fake.calls)
	}
}

func TestSendSMS_CanceledBeforeStartSendsNothing(t *testing.T) {
	fake := &fakeCreator{}
	c := &Client{api: fake, fromNumber: "+15550001111"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendSMS(ctx, "+15551234567", "x")
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrOutcomeUnknown) {
		t.Errorf("expected a plain cancellation, got %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("expected no request, got %d", fake.calls)
	}
}

func TestSendSMS_HTTPTimeoutIsOutcomeUnknown(t *testing.T) {
	fake := &fakeCreator{err: &url.Error{Op: "Post", URL: "https://api.twilio.com/2010-04-01/Accounts/AC1/Messages.json", Err: netTimeout{}}}
	c := &Client{api: fake, fromNumber: "+15550001111"}

	_, err := c.SendSMS(context.Background(), "+15551234567", "x")
	if !errors.Is(err, ErrOutcomeUnknown) {
		t.Errorf("expected ErrOutcomeUnknown, got %v", err)
	}

	c.api = &fakeCreator{err: errors.New("21211 invalid To")}
	if _, err := c.SendSMS(context.Background(), "+15551234567", "x"); errors.Is(err, ErrOutcomeUnknown) {
		t.Errorf("a provider rejection is not an unknown outcome: %v", err)
	}
}

func TestNewClient_Timeout(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", c.timeout)
	}
	c, err = NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111"), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %v", c.timeout)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	if err != nil || c == nil {
		t.Fatalf("expected client, got err %v", err)
	}
}

func TestNewClient_EnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550002222")
	c, err := NewClient()
	if err != nil {
		t.Fatalf("expected env fallback to work: %v", err)
	}
	if c.fromNumber != "+15550002222" {
		t.Errorf("unexpected from number %s", c.fromNumber)
	}
}

// signature computes X-Twilio-Signature: base64 HMAC-SHA1 over the URL
// followed by the sorted form parameters.
func signature(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	token := "12345"
	url := "https://mycompany.com/myapp.php?foo=1&bar=2"
	params := map[string]string{
		"CallSid": "CA1234567890ABCDE",
		"Caller":  "+12349013030",
		"Digits":  "1234",
		"From":    "+12349013030",
		"To":      "+18005551212",
	}
	sig := signature(token, url, params)

	if !ValidateSignature(token, url, params, sig) {
		t.Error("expected computed signature to validate")
	}
	if ValidateSignature(token, url, params, "bogus") {
		t.Error("expected bogus signature to fail")
	}
	if ValidateSignature("", url, params, sig) {
		t.Error("expected empty token to fail")
	}
}

func TestMockClient_SendSMS(t *testing.T) {
	mock := NewMockClient()
	res, err := mock.SendSMS(context.Background(), "+15551234567", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SID == "" {
		t.Error("expected a sid")
	}
	msgs := mock.Messages()
	if len(msgs) != 1 || msgs[0].Body != "Hello Test" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	mock.FailAfter = 1
	if _, err := mock.SendSMS(context.Background(), "+15551234567", "second"); err == nil {
		t.Error("expected failure after the first message")
	}
}
