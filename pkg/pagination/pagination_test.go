package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=25&offset=10", 25, 10},
		{"/?limit=100000", MaxLimit, 0},
		{"/?limit=-3&offset=-1", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.target)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: got %+v, want limit %d offset %d", tt.target, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestApply(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}

	page := Apply(all, Params{Limit: 2, Offset: 1})
	if len(page.Items) != 2 || page.Items[0] != 2 || page.Items[1] != 3 {
		t.Errorf("items = %v, want [2 3]", page.Items)
	}
	if page.Total != 5 || !page.HasMore {
		t.Errorf("total=%d hasMore=%v, want 5 true", page.Total, page.HasMore)
	}

	last := Apply(all, Params{Limit: 2, Offset: 4})
	if len(last.Items) != 1 || last.HasMore {
		t.Errorf("last page = %+v", last)
	}

	past := Apply(all, Params{Limit: 2, Offset: 10})
	if past.Items == nil || len(past.Items) != 0 {
		t.Errorf("offset past end should give empty non-nil items, got %#v", past.Items)
	}

	empty := Apply([]string(nil), Params{Limit: 10})
	if empty.Items == nil || empty.Total != 0 {
		t.Errorf("nil input should give empty page, got %+v", empty)
	}
}

func TestApply_DoesNotAlias(t *testing.T) {
	all := []int{1, 2, 3}
	page := Apply(all, Params{Limit: 3})
	page.Items[0] = 99
	if all[0] != 1 {
		t.Error("page items must not alias the input")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Errorf("NextOffset = %d, want 60", p.NextOffset())
	}
	if p.HasNext(60) {
		t.Error("HasNext(60) should be false at offset 40 limit 20")
	}
	if !p.HasNext(61) {
		t.Error("HasNext(61) should be true")
	}
}
