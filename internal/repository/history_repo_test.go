package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/timmy/nutrify/internal/config"
	"github.com/timmy/nutrify/internal/domain"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "history.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 4,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// stepClock returns a clock that advances one minute per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

func sampleRecord(name string, kcal float64) domain.NutritionRecord {
	sugar := 4.5
	return domain.NutritionRecord{
		SchemaVersion: "meal-nutrition/v1",
		MealName:      name,
		Description:   "a plate of " + name,
		Ingredients: []domain.Ingredient{{
			Name:      name,
			Quantity:  "1 plate",
			Nutrition: &domain.ItemNutrition{Calories: kcal, Macros: domain.Macros{ProteinG: 20, CarbsG: 50.5, FatG: 12}},
		}},
		TotalCalories: kcal,
		TotalMacros:   domain.Macros{ProteinG: 20, CarbsG: 50.5, FatG: 12},
		SugarG:        &sugar,
		TotalSource:   domain.TotalFromIngredients,
	}
}

func sampleScore(v float64) domain.HealthScore {
	return domain.HealthScore{
		Score:          v,
		Base:           50,
		Factors:        []domain.ScoreFactor{{Name: "calorie_load", Weight: v - 50, Detail: "test"}},
		Status:         domain.StatusModerate,
		RuleSetVersion: "dga-2020/v1",
	}
}

func TestHistoryAppendListRoundTrip(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{Now: stepClock(start)})

	var written []*domain.HistoryEntry
	for i, name := range []string{"oatmeal", "salad", "curry"} {
		entry, err := repo.Append(ctx, "alice", sampleRecord(name, float64(300+100*i)), sampleScore(float64(60+i)), "meals/alice/"+name+".jpg")
		if err != nil {
			t.Fatalf("Append %s: %v", name, err)
		}
		written = append(written, entry)
	}

	got, err := repo.ListFor(ctx, "alice", domain.Page{})
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListFor returned %d entries", len(got))
	}
	for i := range got {
		want := written[len(written)-1-i]
		if got[i].ID != want.ID {
			t.Errorf("position %d: id %s, want %s", i, got[i].ID, want.ID)
		}
		if !got[i].CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("position %d: created_at %v, want %v", i, got[i].CreatedAt, want.CreatedAt)
		}
		if !reflect.DeepEqual(got[i].Record(), want.Record()) {
			t.Errorf("position %d: record\n got %+v\nwant %+v", i, got[i].Record(), want.Record())
		}
		if !reflect.DeepEqual(got[i].Scored(), want.Scored()) {
			t.Errorf("position %d: score\n got %+v\nwant %+v", i, got[i].Scored(), want.Scored())
		}
		if got[i].ImageRef != want.ImageRef {
			t.Errorf("position %d: image ref %q", i, got[i].ImageRef)
		}
	}
}

func TestHistoryListPaging(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{
		Now:             stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		DefaultPageSize: 2,
		MaxPageSize:     3,
	})
	for i := 0; i < 5; i++ {
		if _, err := repo.Append(ctx, "bob", sampleRecord(fmt.Sprintf("meal-%d", i), 400), sampleScore(55), ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name  string
		page  domain.Page
		first string
		count int
	}{
		{"default size", domain.Page{}, "meal-4", 2},
		{"clamped to max", domain.Page{Limit: 50}, "meal-4", 3},
		{"offset", domain.Page{Limit: 2, Offset: 3}, "meal-1", 2},
		{"negative offset", domain.Page{Limit: 1, Offset: -4}, "meal-4", 1},
		{"past the end", domain.Page{Limit: 2, Offset: 10}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListFor(ctx, "bob", tt.page)
			if err != nil {
				t.Fatalf("ListFor: %v", err)
			}
			if len(got) != tt.count {
				t.Fatalf("count = %d, want %d", len(got), tt.count)
			}
			if tt.count > 0 && got[0].MealName != tt.first {
				t.Errorf("first = %s, want %s", got[0].MealName, tt.first)
			}
		})
	}
}

func TestHistoryConcurrentAppendsStayPerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{})

	const perUser = 10
	users := []string{"alice", "bob"}
	var wg sync.WaitGroup
	errs := make(chan error, perUser*len(users))
	for _, user := range users {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(user string, i int) {
				defer wg.Done()
				if _, err := repo.Append(ctx, user, sampleRecord(fmt.Sprintf("%s-%d", user, i), 500), sampleScore(70), ""); err != nil {
					errs <- err
				}
			}(user, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append: %v", err)
	}

	for _, user := range users {
		entries, err := repo.ListFor(ctx, user, domain.Page{Limit: 100})
		if err != nil {
			t.Fatalf("ListFor: %v", err)
		}
		if len(entries) != perUser {
			t.Errorf("%s has %d entries, want %d", user, len(entries), perUser)
		}
		for _, e := range entries {
			if e.UserID != user || e.Record().MealName[:len(user)] != user {
				t.Errorf("%s sees entry %s owned by %s", user, e.MealName, e.UserID)
			}
		}
	}
}

func TestHistoryEntriesAreImmutable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewHistoryRepository(db, HistoryOptions{})

	entry, err := repo.Append(ctx, "carol", sampleRecord("toast", 250), sampleScore(65), "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	err = db.Model(entry).Update("meal_name", "edited").Error
	if !errors.Is(err, domain.ErrImmutableEntry) {
		t.Fatalf("Update error = %v, want ErrImmutableEntry", err)
	}

	got, _ := repo.ListFor(ctx, "carol", domain.Page{})
	if len(got) != 1 || got[0].MealName != "toast" {
		t.Errorf("entry changed: %+v", got)
	}
}

func TestHistoryAppendFailures(t *testing.T) {
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{})

	if _, err := repo.Append(context.Background(), "", sampleRecord("x", 1), sampleScore(1), ""); !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("empty user: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.Append(ctx, "dave", sampleRecord("x", 1), sampleScore(1), ""); !errors.Is(err, domain.ErrPersistence) {
		t.Errorf("canceled context: %v", err)
	}
	if n, _ := repo.Count(context.Background(), "dave"); n != 0 {
		t.Errorf("canceled append stored %d entries", n)
	}
}

func TestHistoryGetIsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{})
	mine, err := repo.Append(ctx, "erin", sampleRecord("salad", 350), sampleScore(80), "meals/erin/a.jpg")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name    string
		user    string
		id      string
		wantErr error
	}{
		{"owner", "erin", mine.ID, nil},
		{"other user", "frank", mine.ID, domain.ErrEntryNotFound},
		{"unknown id", "erin", "missing", domain.ErrEntryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Get(ctx, tt.user, tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (got.ID != mine.ID || got.ImageRef != "meals/erin/a.jpg" || got.Record().MealName != "salad") {
				t.Errorf("Get = %+v", got)
			}
		})
	}
}

func TestHistorySummarize(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	repo := NewHistoryRepository(openTestDB(t), HistoryOptions{Now: stepClock(start)})

	for i, kcal := range []float64{300, 500, 700} {
		if _, err := repo.Append(ctx, "erin", sampleRecord("m", kcal), sampleScore(float64(40+10*i)), ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := repo.Append(ctx, "frank", sampleRecord("m", 9999), sampleScore(1), ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sum, err := repo.Summarize(ctx, "erin", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Entries != 2 || sum.TotalCalories != 1200 || sum.AverageScore != 55 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ProteinG != 40 || sum.CarbsG != 101 || sum.FatG != 24 {
		t.Errorf("macros = %+v", sum)
	}

	empty, err := repo.Summarize(ctx, "nobody", start)
	if err != nil || empty.Entries != 0 || empty.TotalCalories != 0 {
		t.Errorf("empty summary = %+v, %v", empty, err)
	}
}

func TestProfileRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewProfileRepository(openTestDB(t))

	got, err := repo.Get(ctx, "gina")
	if err != nil || got != nil {
		t.Fatalf("missing profile = %+v, %v", got, err)
	}

	want := &domain.UserProfile{UserID: "gina", AgeBand: domain.AgeBandSenior, DietaryGoal: domain.GoalLowerSodium}
	if err := repo.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	want.ActivityLevel = domain.ActivityLight
	if err := repo.Upsert(ctx, want); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err = repo.Get(ctx, "gina")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := repo.Upsert(ctx, &domain.UserProfile{UserID: "x", AgeBand: "toddler"}); err == nil {
		t.Error("invalid age band accepted")
	}
}
