package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE analysis_snapshots (
				session_id VARCHAR(128) PRIMARY KEY,
				workflow_kind VARCHAR(32) NOT NULL,
				current_step INT NOT NULL CHECK (current_step >= 1),
				visited_steps JSONB NOT NULL DEFAULT '[]',
				version BIGINT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				digest CHAR(64) NOT NULL,
				schema_version INT NOT NULL,
				saved_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_analysis_snapshots_saved_at ON analysis_snapshots(saved_at);
			CREATE INDEX idx_analysis_snapshots_kind ON analysis_snapshots(workflow_kind);
		`,
	}
}
