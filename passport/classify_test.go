package passport_test

import (
	"testing"

	"github.com/alex-rizov/pos-proxy/passport"
)

func frameOf(t *testing.T, kind passport.MessageKind, payload string) passport.Frame {
	t.Helper()
	wire := passport.EncodeFrame(kind, []byte(payload), true)
	f, err := passport.ParseFrame(wire)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return f
}

func TestClassify_BinaryEcho(t *testing.T) {
	f := frameOf(t, passport.KindBinaryEcho, "")
	mode, key, session := passport.Classify(f)
	if mode != passport.MulticastWithResponse || key != "" || session != "" {
		t.Fatalf("got (%v, %q, %q)", mode, key, session)
	}
}

func TestClassify_OnlineStatus(t *testing.T) {
	f := frameOf(t, passport.KindXML, `<Root><GetLoyaltyOnlineStatusRequest/></Root>`)
	mode, _, _ := passport.Classify(f)
	if mode != passport.MulticastWithResponse {
		t.Fatalf("got %v, want MulticastWithResponse", mode)
	}

	f2 := frameOf(t, passport.KindXML, `<Root><GetLoyaltyOnlineStatusResponse/></Root>`)
	mode2, _, _ := passport.Classify(f2)
	if mode2 != passport.MulticastWithResponse {
		t.Fatalf("got %v, want MulticastWithResponse", mode2)
	}
}

func TestClassify_BeginEndCustomer(t *testing.T) {
	for _, payload := range []string{
		`<Root><BeginCustomerRequest/></Root>`,
		`<Root><EndCustomerRequest/></Root>`,
	} {
		f := frameOf(t, passport.KindXML, payload)
		mode, _, _ := passport.Classify(f)
		if mode != passport.MulticastNoResponse {
			t.Fatalf("payload %q: got %v, want MulticastNoResponse", payload, mode)
		}
	}
}

func TestClassify_CardUnicast(t *testing.T) {
	f := frameOf(t, passport.KindXML,
		`<Root><LoyaltyID>425001234</LoyaltyID><LoyaltySequenceID>S1</LoyaltySequenceID></Root>`)
	mode, key, session := passport.Classify(f)
	if mode != passport.CardUnicast {
		t.Fatalf("got %v, want CardUnicast", mode)
	}
	if key != "425001234" {
		t.Fatalf("routing key = %q, want card id", key)
	}
	if session != "S1" {
		t.Fatalf("session = %q, want S1", session)
	}
}

func TestClassify_CardUnicast_NoSequence(t *testing.T) {
	f := frameOf(t, passport.KindXML, `<Root><LoyaltyID>425001234</LoyaltyID></Root>`)
	mode, key, session := passport.Classify(f)
	if mode != passport.CardUnicast || key != "425001234" || session != "" {
		t.Fatalf("got (%v, %q, %q)", mode, key, session)
	}
}

func TestClassify_SessionUnicast(t *testing.T) {
	f := frameOf(t, passport.KindXML, `<Root><LoyaltySequenceID>S2</LoyaltySequenceID></Root>`)
	mode, key, session := passport.Classify(f)
	if mode != passport.SessionUnicast || key != "S2" || session != "S2" {
		t.Fatalf("got (%v, %q, %q)", mode, key, session)
	}
}

func TestClassify_Default(t *testing.T) {
	f := frameOf(t, passport.KindXML, `<Root><SomethingElse/></Root>`)
	mode, key, session := passport.Classify(f)
	if mode != passport.DefaultUnicast || key != "" || session != "" {
		t.Fatalf("got (%v, %q, %q)", mode, key, session)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	f := frameOf(t, passport.KindXML, `<Root><LoyaltyID>425001234</LoyaltyID></Root>`)
	m1, k1, s1 := passport.Classify(f)
	m2, k2, s2 := passport.Classify(f)
	if m1 != m2 || k1 != k2 || s1 != s2 {
		t.Fatal("Classify is not deterministic across repeated calls")
	}
}

func TestPosSequenceID_BinaryEcho(t *testing.T) {
	f := frameOf(t, passport.KindBinaryEcho, "")
	if got := passport.PosSequenceID(f); got != passport.EchoSequenceID {
		t.Fatalf("got %q, want %q", got, passport.EchoSequenceID)
	}
}

func TestSequencesMatch(t *testing.T) {
	req := frameOf(t, passport.KindXML, `<Root><POSSequenceID>P1</POSSequenceID></Root>`)
	respMatch := frameOf(t, passport.KindXML, `<Root><POSSequenceID>P1</POSSequenceID></Root>`)
	respMismatch := frameOf(t, passport.KindXML, `<Root><POSSequenceID>P2</POSSequenceID></Root>`)

	if !passport.SequencesMatch(req, respMatch) {
		t.Fatal("expected matching sequence ids to match")
	}
	if passport.SequencesMatch(req, respMismatch) {
		t.Fatal("expected mismatched sequence ids to not match")
	}
}
