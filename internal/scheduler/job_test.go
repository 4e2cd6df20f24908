package scheduler

import (
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

func statusEnvelope() JobCommand {
	return JobCommand{Type: command.TypeSystem, Action: "status"}
}

func TestJobValidation(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{
			name: "valid interval job",
			job: Job{
				ID:       "sys-snapshot",
				Name:     "System snapshot",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 60000},
				Command:  statusEnvelope(),
			},
			wantErr: false,
		},
		{
			name: "valid cron job",
			job: Job{
				ID:       "nightly-update",
				Name:     "Nightly update",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: "cron", Expr: "0 4 * * *"},
				Command: JobCommand{
					Type:       command.TypeProject,
					Action:     "update",
					Parameters: map[string]any{"project": "api"},
				},
			},
			wantErr: false,
		},
		{
			name: "valid at job",
			job: Job{
				ID:       "morning-restart",
				Name:     "Morning restart",
				Enabled:  true,
				Schedule: ScheduleConfig{Kind: "at", Time: "09:00"},
				Command:  statusEnvelope(),
			},
			wantErr: false,
		},
		{
			name: "missing job ID",
			job: Job{
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 60000},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "missing job name",
			job: Job{
				ID:       "test",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 60000},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "invalid schedule kind",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "hourly"},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "invalid cron expression",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "cron", Expr: "not a cron"},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "zero interval",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "interval"},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "bad at time",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "at", Time: "9 o'clock"},
				Command:  statusEnvelope(),
			},
			wantErr: true,
		},
		{
			name: "unknown command type",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1000},
				Command:  JobCommand{Type: command.Type("database"), Action: "vacuum"},
			},
			wantErr: true,
		},
		{
			name: "action outside the type's vocabulary",
			job: Job{
				ID:       "test",
				Name:     "Test",
				Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 1000},
				Command:  JobCommand{Type: command.TypeProject, Action: "deploy"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobCaller(t *testing.T) {
	j := Job{ID: "nightly-update"}
	if got := j.Caller(); got != "scheduler:nightly-update" {
		t.Errorf("Caller() = %q", got)
	}
}

func TestNextRun_Interval(t *testing.T) {
	j := Job{
		ID:       "test",
		Name:     "Test",
		Schedule: ScheduleConfig{Kind: "interval", IntervalMs: 5000},
		Command:  statusEnvelope(),
	}

	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := from.Add(5 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRun_Cron(t *testing.T) {
	j := Job{
		ID:       "test",
		Name:     "Test",
		Schedule: ScheduleConfig{Kind: "cron", Expr: "0 4 * * *"},
		Command:  statusEnvelope(),
	}

	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if next.Hour() != 4 || next.Minute() != 0 {
		t.Errorf("next = %v, want 04:00", next)
	}
	if !next.After(from) {
		t.Errorf("next %v not after from %v", next, from)
	}
}

func TestNextRun_AtRollsToTomorrow(t *testing.T) {
	j := Job{
		ID:       "test",
		Name:     "Test",
		Schedule: ScheduleConfig{Kind: "at", Time: "09:00", Timezone: "UTC"},
		Command:  statusEnvelope(),
	}

	// Asking after today's slot rolls to tomorrow.
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Asking before today's slot stays today.
	from = time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	next, err = j.NextRun(from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRun_AtBadTimezone(t *testing.T) {
	j := Job{
		ID:       "test",
		Name:     "Test",
		Schedule: ScheduleConfig{Kind: "at", Time: "09:00", Timezone: "Mars/Olympus"},
		Command:  statusEnvelope(),
	}
	if _, err := j.NextRun(time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestEnvelope(t *testing.T) {
	j := Job{
		ID:   "nightly-update",
		Name: "Nightly update",
		Command: JobCommand{
			Type:       command.TypeProject,
			Action:     "update",
			Parameters: map[string]any{"project": "api"},
		},
	}

	cmd := j.envelope()
	if cmd.Type != command.TypeProject || cmd.Action != "update" {
		t.Fatalf("envelope = %+v", cmd)
	}
	if cmd.CallerID != "scheduler:nightly-update" {
		t.Errorf("caller = %q", cmd.CallerID)
	}
	if cmd.Parameters["project"] != "api" {
		t.Errorf("parameters = %v", cmd.Parameters)
	}
	if cmd.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}
