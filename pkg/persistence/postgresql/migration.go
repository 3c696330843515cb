package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE automations (
				id UUID PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				thread_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automations_user_id ON automations(user_id);

			CREATE TABLE flow_executions (
				id UUID PRIMARY KEY,
				automation_id UUID NOT NULL REFERENCES automations(id),
				thread_id VARCHAR(255) NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN (
					'pending', 'scheduled', 'running', 'completed',
					'failed', 'cancelled', 'paused', 'stopped'
				)),
				steps JSONB NOT NULL,
				results JSONB NOT NULL DEFAULT '[]',
				current_step INT NOT NULL DEFAULT 0,
				project_context TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				is_scheduled BOOLEAN NOT NULL DEFAULT false,
				cron_expression VARCHAR(255),
				scheduled_for TIMESTAMP WITH TIME ZONE,
				next_scheduled_run TIMESTAMP WITH TIME ZONE,
				has_end_time BOOLEAN NOT NULL DEFAULT false,
				end_time TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_executions_status ON flow_executions(status);
			CREATE INDEX idx_flow_executions_automation_created
				ON flow_executions(automation_id, created_at);
			CREATE INDEX idx_flow_executions_created_at ON flow_executions(created_at);
		`,
	}
}
