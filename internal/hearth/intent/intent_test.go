package intent_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/bdobrica/hearth/internal/hearth/intent"
)

func TestParseKind(t *testing.T) {
	if k, ok := intent.ParseKind(" High_Risk "); !ok || k != intent.KindHighRisk {
		t.Fatalf("got %q, %v", k, ok)
	}
	if _, ok := intent.ParseKind("dance"); ok {
		t.Fatal("unknown kind should not parse")
	}
}

func TestRecord_Deferred(t *testing.T) {
	hr := intent.Record{Kind: intent.KindHighRisk, DeviceIDs: []string{"lock_front"}}
	if d := hr.Deferred(); d.Kind != intent.KindControl {
		t.Errorf("default action should be control, got %q", d.Kind)
	}

	hr.Action = intent.KindSchedule
	if d := hr.Deferred(); d.Kind != intent.KindSchedule || d.Action != "" {
		t.Errorf("got %+v", d)
	}

	q := intent.Record{Kind: intent.KindQuery}
	if d := q.Deferred(); d.Kind != intent.KindQuery {
		t.Errorf("non high-risk record should be unchanged, got %q", d.Kind)
	}
}

func TestRecord_Ambiguous(t *testing.T) {
	rec := intent.Record{Index: 2, Kind: intent.KindControl, SubText: "turn on the TV"}
	amb := rec.Ambiguous(`device "TV" not found`, "TV")
	if amb.Kind != intent.KindAmbiguous || amb.Mention != "TV" || amb.Index != 2 {
		t.Fatalf("got %+v", amb)
	}
	if rec.Kind != intent.KindControl {
		t.Fatal("original record must not change")
	}
}

func TestFailed_PreservesError(t *testing.T) {
	res := intent.Failed(intent.Record{}, "switch_1: failed", errors.New("dial tcp: timeout"))
	if res.Status != intent.StatusFailed || res.Error != "dial tcp: timeout" {
		t.Fatalf("got %+v", res)
	}
}

func TestTurnResponse_Text(t *testing.T) {
	resp := &intent.TurnResponse{Results: []intent.Result{
		{Status: intent.StatusSuccess, Summary: "switch_1: turn_off=true"},
		{Status: intent.StatusNeedsClarification, Summary: `device "TV" not found`, Suggestions: []string{"Tv Plug"}},
	}}
	got := resp.Text()
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", got)
	}
	if !strings.Contains(lines[1], "did you mean: Tv Plug?") {
		t.Errorf("suggestions missing: %q", lines[1])
	}
	var nilResp *intent.TurnResponse
	if nilResp.Text() != "" {
		t.Error("nil response should render empty")
	}
}

func TestNormalizeClock(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"7:05", "07:05", false},
		{"23:59", "23:59", false},
		{"24:00", "", true},
		{"12:7", "", true},
		{"noon", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := intent.NormalizeClock(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeDays(t *testing.T) {
	got, unknown := intent.NormalizeDays([]string{"friday", "Mon", "mon", "someday"})
	if !reflect.DeepEqual(got, []string{"Mon", "Fri"}) {
		t.Errorf("got %v", got)
	}
	if !reflect.DeepEqual(unknown, []string{"someday"}) {
		t.Errorf("unknown = %v", unknown)
	}

	all, _ := intent.NormalizeDays([]string{"daily"})
	if len(all) != 7 {
		t.Errorf("daily should expand to 7 days, got %v", all)
	}
	wk, _ := intent.NormalizeDays([]string{"weekends"})
	if !reflect.DeepEqual(wk, []string{"Sun", "Sat"}) {
		t.Errorf("weekends = %v", wk)
	}
}
