package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				project_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				revision VARCHAR(255),
				definition JSONB NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (project_id, name)
			);

			CREATE TABLE sessions (
				id BIGSERIAL PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL,
				project_name VARCHAR(255) NOT NULL DEFAULT '',
				workflow_name VARCHAR(255) NOT NULL,
				session_time TIMESTAMP WITH TIME ZONE NOT NULL,
				time_zone VARCHAR(64) NOT NULL DEFAULT '',
				params JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (project_id, workflow_name, session_time)
			);

			CREATE TABLE attempts (
				id BIGSERIAL PRIMARY KEY,
				session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				attempt_index INT NOT NULL,
				retry_attempt_name VARCHAR(255) NOT NULL DEFAULT '',
				state VARCHAR(16) NOT NULL CHECK (state IN ('RUNNING', 'SUCCESS', 'ERROR', 'KILLED')),
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				params JSONB,
				project_id VARCHAR(255) NOT NULL,
				project_name VARCHAR(255) NOT NULL DEFAULT '',
				workflow_name VARCHAR(255) NOT NULL,
				session_time TIMESTAMP WITH TIME ZONE NOT NULL,
				time_zone VARCHAR(64) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				error JSONB,
				UNIQUE (session_id, attempt_index)
			);

			-- At most one open attempt per session.
			CREATE UNIQUE INDEX idx_attempts_running ON attempts(session_id) WHERE state = 'RUNNING';
			CREATE INDEX idx_attempts_state ON attempts(state);

			CREATE TABLE tasks (
				id BIGSERIAL PRIMARY KEY,
				attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				operator_type VARCHAR(255) NOT NULL,
				config JSONB,
				params JSONB,
				upstream JSONB,
				state VARCHAR(16) NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				retry JSONB,
				next_retry_at TIMESTAMP WITH TIME ZONE,
				exported JSONB,
				error JSONB,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				claim_owner VARCHAR(255) NOT NULL DEFAULT '',
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				carried BOOLEAN NOT NULL DEFAULT FALSE,
				ready_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (attempt_id, name)
			);

			CREATE INDEX idx_tasks_ready ON tasks(ready_at, id) WHERE state = 'READY';
			CREATE INDEX idx_tasks_retry ON tasks(next_retry_at) WHERE state = 'RETRY_WAITING';
			CREATE INDEX idx_tasks_lease ON tasks(lease_expires_at) WHERE state = 'RUNNING';

			CREATE TABLE sla_rules (
				id BIGSERIAL PRIMARY KEY,
				attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
				task_name VARCHAR(255) NOT NULL DEFAULT '',
				kind VARCHAR(16) NOT NULL CHECK (kind IN ('TIME', 'DURATION')),
				time_of_day VARCHAR(8) NOT NULL DEFAULT '',
				duration_seconds BIGINT NOT NULL DEFAULT 0,
				time_zone VARCHAR(64) NOT NULL DEFAULT '',
				action VARCHAR(16) NOT NULL CHECK (action IN ('ALERT', 'FAIL')),
				no_retry BOOLEAN NOT NULL DEFAULT FALSE,
				triggered_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_sla_rules_attempt_id ON sla_rules(attempt_id);
		`,
		2: `
			CREATE TABLE schedules (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL,
				project_name VARCHAR(255) NOT NULL DEFAULT '',
				workflow_name VARCHAR(255) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				time_zone VARCHAR(64) NOT NULL DEFAULT '',
				next_run_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (project_id, workflow_name)
			);

			CREATE INDEX idx_schedules_next_run_at ON schedules(next_run_at) WHERE active;
		`,
		3: `
			ALTER TABLE sla_rules ADD COLUMN task JSONB;
			ALTER TABLE sla_rules DROP CONSTRAINT sla_rules_action_check;
			ALTER TABLE sla_rules ADD CONSTRAINT sla_rules_action_check CHECK (action IN ('ALERT', 'FAIL', 'TASK'));

			CREATE TABLE notifications (
				id BIGSERIAL PRIMARY KEY,
				attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
				rule_id BIGINT NOT NULL,
				payload JSONB NOT NULL,
				state VARCHAR(16) NOT NULL CHECK (state IN ('PENDING', 'DELIVERED', 'FAILED')),
				attempts INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				claim_owner VARCHAR(255) NOT NULL DEFAULT '',
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (attempt_id, rule_id)
			);

			CREATE INDEX idx_notifications_pending ON notifications(id) WHERE state = 'PENDING';
		`,
	}
}
