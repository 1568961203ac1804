package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found")
	}

	defaultDSN := os.Getenv("DATABASE_URL")
	dsn := flag.String("dsn", defaultDSN, "database url")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DSN required via flag -dsn or DATABASE_URL env")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Cannot ping DB:", err)
	}

	seedCredential(db)
	seedProject(db)
	seedServerGroup(db)
}

func seedCredential(db *sql.DB) {
	secret := os.Getenv("SEED_SSH_PASSWORD")
	if secret == "" {
		secret = "changeme"
	}

	query := `
		INSERT INTO credentials (ref, secret)
		VALUES ($1, $2)
		ON CONFLICT (ref) DO UPDATE SET secret = excluded.secret;
	`

	if _, err := db.Exec(query, "demo-password", secret); err != nil {
		log.Fatalf("Failed to seed credential: %v", err)
	}

	fmt.Println("Credential seeded: demo-password")
}

func seedProject(db *sql.DB) {
	// Durations inside health_check are nanoseconds, matching the JSON
	// encoding of the config struct.
	query := `
		INSERT INTO projects
			(name, kind, repo_url, environment,
			 build_command, auto_install, output_dir,
			 restart_script, health_check)
		VALUES
			('demo-api', 'backend',
			 'https://git.example.com/demo/demo-api.git', 'production',
			 'make build', true, 'dist',
			 '/srv/demo-api/restart.sh',
			 '{"enabled": true, "kind": "http", "url": "http://localhost:8080/healthz", "timeout": 10000000000, "retries": 3, "interval": 5000000000}')
		ON CONFLICT (name) DO NOTHING;
	`

	if _, err := db.Exec(query); err != nil {
		log.Fatalf("Failed to seed project: %v", err)
	}

	fmt.Println("Project seeded: demo-api")
}

func seedServerGroup(db *sql.DB) {
	var groupID int64
	err := db.QueryRow(`
		INSERT INTO server_groups (name, environment)
		VALUES ('production-pool', 'production')
		ON CONFLICT (name) DO UPDATE SET environment = excluded.environment
		RETURNING id;
	`).Scan(&groupID)
	if err != nil {
		log.Fatalf("Failed to seed server group: %v", err)
	}

	query := `
		INSERT INTO servers
			(group_id, name, host, port, username, auth_method, credential_ref, deploy_path, environment, active)
		VALUES
			($1, $2, $3, 22, 'deploy', 'password', 'demo-password', '/srv/demo-api', 'production', true)
		ON CONFLICT (name) DO UPDATE SET group_id = excluded.group_id, host = excluded.host;
	`

	for i, host := range []string{"10.0.1.10", "10.0.1.11"} {
		name := fmt.Sprintf("prod-%02d", i+1)
		if _, err := db.Exec(query, groupID, name, host); err != nil {
			log.Fatalf("Failed to seed server %s: %v", name, err)
		}
	}

	fmt.Printf("Server group seeded: production-pool (id %d) with 2 servers\n", groupID)
}
