package identify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	GetResponseField(field string) (any, error)
	Unique(value string) string
	RememberContact(alias string, id int64)
	Contact(alias string) (int64, error)
}

// RegisterSteps registers identity reconciliation step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &identifySteps{tc: tc}

	ctx.Step(`^I identify with email "([^"]*)" and phone "([^"]*)"$`, steps.identifyWithEmailAndPhone)
	ctx.Step(`^I identify with email "([^"]*)"$`, steps.identifyWithEmail)
	ctx.Step(`^I identify with phone "([^"]*)"$`, steps.identifyWithPhone)
	ctx.Step(`^I identify with nothing$`, steps.identifyWithNothing)
	ctx.Step(`^I look up the cluster of "([^"]*)"$`, steps.lookUpCluster)
	ctx.Step(`^I remember the primary contact as "([^"]*)"$`, steps.rememberPrimary)

	ctx.Step(`^the primary contact should be "([^"]*)"$`, steps.primaryShouldBe)
	ctx.Step(`^the cluster emails should be "([^"]*)"$`, steps.emailsShouldBe)
	ctx.Step(`^the cluster phone numbers should be "([^"]*)"$`, steps.phonesShouldBe)
	ctx.Step(`^the cluster should have (\d+) secondary contacts?$`, steps.secondaryCountShouldBe)
}

type identifySteps struct {
	tc TestContext
}

func (s *identifySteps) identifyWithEmailAndPhone(ctx context.Context, email, phone string) error {
	return s.tc.POST("/identify", map[string]any{
		"email":       s.tc.Unique(email),
		"phoneNumber": s.tc.Unique(phone),
	})
}

func (s *identifySteps) identifyWithEmail(ctx context.Context, email string) error {
	return s.tc.POST("/identify", map[string]any{"email": s.tc.Unique(email), "phoneNumber": nil})
}

func (s *identifySteps) identifyWithPhone(ctx context.Context, phone string) error {
	return s.tc.POST("/identify", map[string]any{"email": nil, "phoneNumber": s.tc.Unique(phone)})
}

func (s *identifySteps) identifyWithNothing(ctx context.Context) error {
	return s.tc.POST("/identify", map[string]any{})
}

func (s *identifySteps) lookUpCluster(ctx context.Context, alias string) error {
	id, err := s.tc.Contact(alias)
	if err != nil {
		return err
	}
	return s.tc.GET(fmt.Sprintf("/contacts/%d", id))
}

func (s *identifySteps) rememberPrimary(ctx context.Context, alias string) error {
	cluster, err := s.cluster()
	if err != nil {
		return err
	}
	id, err := asID(cluster["primaryContactId"])
	if err != nil {
		return err
	}
	s.tc.RememberContact(alias, id)
	return nil
}

func (s *identifySteps) primaryShouldBe(ctx context.Context, alias string) error {
	want, err := s.tc.Contact(alias)
	if err != nil {
		return err
	}
	cluster, err := s.cluster()
	if err != nil {
		return err
	}
	got, err := asID(cluster["primaryContactId"])
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected primary %d (%s), got %d", want, alias, got)
	}
	return nil
}

func (s *identifySteps) emailsShouldBe(ctx context.Context, list string) error {
	return s.listShouldBe("emails", list)
}

func (s *identifySteps) phonesShouldBe(ctx context.Context, list string) error {
	return s.listShouldBe("phoneNumbers", list)
}

func (s *identifySteps) secondaryCountShouldBe(ctx context.Context, n int) error {
	cluster, err := s.cluster()
	if err != nil {
		return err
	}
	ids, ok := cluster["secondaryContactIds"].([]any)
	if !ok {
		return fmt.Errorf("secondaryContactIds is not a list: %v", cluster["secondaryContactIds"])
	}
	if len(ids) != n {
		return fmt.Errorf("expected %d secondary contacts, got %d", n, len(ids))
	}
	return nil
}

func (s *identifySteps) listShouldBe(field, list string) error {
	cluster, err := s.cluster()
	if err != nil {
		return err
	}
	raw, ok := cluster[field].([]any)
	if !ok {
		return fmt.Errorf("%s is not a list: %v", field, cluster[field])
	}
	got := make([]string, 0, len(raw))
	for _, v := range raw {
		got = append(got, fmt.Sprint(v))
	}
	want := strings.Split(s.tc.Unique(list), ",")
	if !slices.Equal(got, want) {
		return fmt.Errorf("expected %s %v, got %v", field, want, got)
	}
	return nil
}

func (s *identifySteps) cluster() (map[string]any, error) {
	v, err := s.tc.GetResponseField("contact")
	if err != nil {
		return nil, err
	}
	cluster, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("contact is not an object: %v", v)
	}
	return cluster, nil
}

func asID(v any) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("expected numeric id, got %v", v)
	}
	return int64(f), nil
}
