package detect

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// manifestRuntimes maps root-level manifest files to the runtime they imply.
var manifestRuntimes = map[string]string{
	"requirements.txt": "python",
	"pyproject.toml":   "python",
	"setup.py":         "python",
	"setup.cfg":        "python",
	"Pipfile":          "python",
	"package.json":     "node",
	"go.mod":           "go",
	"Cargo.toml":       "rust",
	"pom.xml":          "java",
	"build.gradle":     "java",
	"build.gradle.kts": "java",
	"pubspec.yaml":     "dart",
	"Gemfile":          "ruby",
	"composer.json":    "php",
}

// manifestSignals emits one signal per runtime with a root-level manifest.
// Several runtimes share the manifest weight. Build files for C and C++
// only count when no language manifest exists.
func manifestSignals(files map[string][]byte) []Signal {
	found := map[string]string{}
	for _, name := range sortedNames(files) {
		if strings.Contains(name, "/") {
			continue
		}
		if rt, ok := manifestRuntimes[name]; ok {
			if _, dup := found[rt]; !dup {
				found[rt] = name
			}
		}
	}
	if len(found) == 0 {
		for _, name := range []string{"CMakeLists.txt", "Makefile", "makefile"} {
			if _, ok := files[name]; ok {
				found[nativeRuntime(files)] = name
				break
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	weight := weightManifest / float64(len(found))
	out := make([]Signal, 0, len(found))
	for _, rt := range runtimeOrder {
		if name, ok := found[rt]; ok {
			out = append(out, Signal{Kind: "manifest", Runtime: rt, Weight: weight, Source: name})
		}
	}
	return out
}

func nativeRuntime(files map[string][]byte) string {
	for name := range files {
		switch strings.ToLower(path.Ext(name)) {
		case ".cpp", ".cc", ".cxx", ".hpp":
			return "cpp"
		}
	}
	return "c"
}

type plan struct {
	runtime string
	setup   []string
	run     string
	test    string
	build   string
}

func planFor(runtime string, files map[string][]byte, h Hint) plan {
	switch runtime {
	case "python":
		return pythonPlan(files)
	case "node":
		return nodePlan(files)
	case "go":
		return plan{
			runtime: "go",
			setup:   []string{"go mod download"},
			run:     "go run .",
			test:    "go test ./...",
			build:   "go build ./...",
		}
	case "rust":
		return plan{
			runtime: "rust",
			setup:   []string{"cargo fetch"},
			run:     "cargo run",
			test:    "cargo test",
			build:   "cargo build --release",
		}
	case "java":
		return javaPlan(files)
	case "dart":
		return dartPlan(files, h)
	case "ruby":
		p := plan{runtime: "ruby", run: firstExisting(files, "bin/rails", "main.rb", "app.rb")}
		if has(files, "Gemfile") {
			p.setup = []string{"bundle install"}
			p.test = "bundle exec rake test"
			if hasDir(files, "spec") {
				p.test = "bundle exec rspec"
			}
		}
		if p.run != "" {
			p.run = "ruby " + p.run
		}
		return p
	case "php":
		p := plan{runtime: "php", setup: []string{}}
		if has(files, "composer.json") {
			p.setup = []string{"composer install --no-interaction --no-progress"}
		}
		if has(files, "phpunit.xml") || has(files, "phpunit.xml.dist") {
			p.test = "vendor/bin/phpunit"
		}
		if idx := firstExisting(files, "index.php", "public/index.php"); idx != "" {
			p.run = "php " + idx
		}
		return p
	case "c", "cpp":
		return nativePlan(runtime, files)
	}
	return plan{runtime: Unknown, setup: []string{}}
}

func pythonPlan(files map[string][]byte) plan {
	p := plan{runtime: "python", setup: []string{}}
	switch {
	case has(files, "requirements.txt"):
		p.setup = append(p.setup, "pip install -r requirements.txt")
	case has(files, "Pipfile"):
		p.setup = append(p.setup, "pip install pipenv", "pipenv install --dev --system")
	case has(files, "pyproject.toml"), has(files, "setup.py"):
		p.setup = append(p.setup, "pip install .")
	}
	if main := firstExisting(files, "main.py", "app.py", "src/main.py", "manage.py", "run.py"); main != "" {
		p.run = "python " + main
	}

	pytest := hasDir(files, "tests") || hasDir(files, "test") || has(files, "pytest.ini") || has(files, "conftest.py") || pyprojectUsesPytest(files["pyproject.toml"])
	if !pytest {
		for name := range files {
			base := path.Base(name)
			if strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py") {
				pytest = true
				break
			}
		}
	}
	if pytest {
		p.test = "python -m pytest -q"
		if !strings.Contains(strings.ToLower(string(files["requirements.txt"])), "pytest") {
			p.setup = append(p.setup, "pip install pytest")
		}
	} else {
		p.test = "python -m unittest discover"
	}
	return p
}

func pyprojectUsesPytest(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	var doc struct {
		Tool map[string]any `toml:"tool"`
	}
	if _, err := toml.Decode(string(content), &doc); err != nil {
		return strings.Contains(string(content), "[tool.pytest")
	}
	_, ok := doc.Tool["pytest"]
	return ok
}

// npmDefaultTest is the placeholder test script written by npm init.
const npmDefaultTest = `echo "Error: no test specified" && exit 1`

func nodePlan(files map[string][]byte) plan {
	p := plan{runtime: "node"}
	switch {
	case has(files, "pnpm-lock.yaml"):
		p.setup = []string{"npm install -g pnpm", "pnpm install --frozen-lockfile"}
	case has(files, "yarn.lock"):
		p.setup = []string{"yarn install --frozen-lockfile"}
	case has(files, "package-lock.json"):
		p.setup = []string{"npm ci"}
	default:
		p.setup = []string{"npm install"}
	}

	content := files["package.json"]
	if len(content) == 0 {
		// Only the name is known: assume the conventional scripts.
		p.run = "npm start"
		p.test = "npm test"
		return p
	}
	var pkg struct {
		Main    string            `json:"main"`
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(content, &pkg); err != nil {
		p.test = "npm test"
		return p
	}
	if t, ok := pkg.Scripts["test"]; ok && strings.TrimSpace(t) != npmDefaultTest {
		p.test = "npm test"
	}
	if _, ok := pkg.Scripts["build"]; ok {
		p.build = "npm run build"
	}
	switch {
	case pkg.Scripts["start"] != "":
		p.run = "npm start"
	case pkg.Main != "":
		p.run = "node " + pkg.Main
	case has(files, "index.js"):
		p.run = "node index.js"
	}
	return p
}

func javaPlan(files map[string][]byte) plan {
	if has(files, "pom.xml") {
		return plan{
			runtime: "java",
			setup:   []string{"mvn -q -B dependency:resolve"},
			build:   "mvn -q -B -DskipTests package",
			test:    "mvn -q -B test",
		}
	}
	gradle := "gradle"
	if has(files, "gradlew") {
		gradle = "sh ./gradlew"
	}
	return plan{
		runtime: "java",
		setup:   []string{gradle + " --no-daemon dependencies"},
		build:   gradle + " --no-daemon build -x test",
		test:    gradle + " --no-daemon test",
	}
}

func dartPlan(files map[string][]byte, h Hint) plan {
	if usesFlutter(files["pubspec.yaml"]) || hasTopic(h.Topics, "flutter") {
		return plan{
			runtime: "flutter",
			setup:   []string{"flutter pub get"},
			run:     "flutter run -d web-server --web-port=8080",
			test:    "flutter test",
			build:   "flutter build web",
		}
	}
	p := plan{runtime: "dart", setup: []string{}}
	if has(files, "pubspec.yaml") {
		p.setup = []string{"dart pub get"}
		p.run = "dart run"
	}
	if hasDir(files, "test") {
		p.test = "dart test"
	}
	return p
}

func usesFlutter(pubspec []byte) bool {
	if len(pubspec) == 0 {
		return false
	}
	var doc struct {
		Dependencies map[string]any `yaml:"dependencies"`
		Flutter      any            `yaml:"flutter"`
	}
	if err := yaml.Unmarshal(pubspec, &doc); err != nil {
		return false
	}
	_, dep := doc.Dependencies["flutter"]
	return dep || doc.Flutter != nil
}

func nativePlan(runtime string, files map[string][]byte) plan {
	p := plan{runtime: runtime, setup: []string{}}
	switch {
	case has(files, "CMakeLists.txt"):
		p.build = "cmake -S . -B build && cmake --build build"
		p.test = "ctest --test-dir build --output-on-failure"
	case has(files, "Makefile"), has(files, "makefile"):
		p.build = "make"
		if makefileHasTarget(files["Makefile"], "test") || makefileHasTarget(files["makefile"], "test") {
			p.test = "make test"
		}
	}
	return p
}

func makefileHasTarget(content []byte, target string) bool {
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, target+":") {
			return true
		}
	}
	return false
}

func has(files map[string][]byte, name string) bool {
	_, ok := files[name]
	return ok
}

func hasDir(files map[string][]byte, dir string) bool {
	prefix := dir + "/"
	for name := range files {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func firstExisting(files map[string][]byte, names ...string) string {
	for _, n := range names {
		if has(files, n) {
			return n
		}
	}
	return ""
}
