package config

// StarterSchedules returns default scheduled tasks for first-run setup.
// Generated into config.yaml only when no schedules are configured.
func StarterSchedules() []ScheduleConfig {
	return []ScheduleConfig{
		{
			Name:     "nightly-retention-sweep",
			Spec:     "30 3 * * *",
			TaskType: "maintenance.retention_sweep",
			Handler:  "builtin.retention",
			Payload:  `{"tables":["task_events"]}`,
			Priority: "low",
			Enabled:  true,
		},
		{
			Name:     "hourly-health-probe",
			Spec:     "0 * * * *",
			TaskType: "maintenance.health_probe",
			Handler:  "builtin.echo",
			Payload:  `{"probe":"scheduler"}`,
			Priority: "normal",
			Enabled:  true,
		},
	}
}
