package codeexec

// valueCoercionSource is inserted verbatim at the top of every generated
// program. It gives LLM-written code a small set of defensive helpers for
// dealing with the variable shapes tool results come back in, so the
// generated program doesn't need to pepper every call site with optional
// chaining and type checks.
const valueCoercionSource = `
function toSequence(v) {
  if (v === null || v === undefined) return [];
  if (Array.isArray(v)) return v;
  if (typeof v === "object") {
    for (const key of ["items", "data", "results", "content"]) {
      if (Array.isArray(v[key])) return v[key];
    }
  }
  return [v];
}

function safeGet(obj, path, fallback) {
  if (obj === null || obj === undefined) return fallback;
  const parts = Array.isArray(path) ? path : String(path).split(".");
  let cur = obj;
  for (const part of parts) {
    if (cur === null || cur === undefined) return fallback;
    cur = cur[part];
  }
  return cur === undefined ? fallback : cur;
}

function safeMap(v, fn) {
  return toSequence(v).map(fn);
}

function safeFilter(v, fn) {
  return toSequence(v).filter(fn);
}

function first(v) {
  const seq = toSequence(v);
  return seq.length > 0 ? seq[0] : undefined;
}

function len(v) {
  return toSequence(v).length;
}

function isSuccess(r) {
  if (!r) return false;
  if (r.success === false) return false;
  if (r.error) return false;
  if (r.isError) return false;
  return true;
}

function extractData(r) {
  if (r === null || r === undefined) return r;
  if (r.data !== undefined) return r.data;
  if (r.result !== undefined) return r.result;
  if (r.results !== undefined) return r.results;
  if (r.items !== undefined) return r.items;
  if (r.content !== undefined && r.markdown === undefined) return r.content;
  return r;
}

function extractText(r, fallback) {
  if (r === null || r === undefined) return fallback;
  if (typeof r === "string") return r;
  for (const key of ["text", "output", "stdout", "content", "markdown", "result", "data", "value"]) {
    const v = r[key];
    if (typeof v === "string" && v.length > 0) return v;
  }
  const items = r.items;
  if (Array.isArray(items) && items.length > 0) {
    const nested = extractText(items[0], undefined);
    if (nested !== undefined) return nested;
  }
  try {
    const s = JSON.stringify(r);
    if (s) return s;
  } catch (e) {
    // not serializable, fall through to fallback
  }
  return fallback;
}

function getCommandOutput(r) {
  return {
    success: isSuccess(r),
    output: extractText(r, ""),
    error: (r && (r.error || r.stderr)) || "",
  };
}
`

// ValueCoercionSource returns the verbatim source text of the value
// coercion library, for embedding into a generated program.
func ValueCoercionSource() string {
	return valueCoercionSource
}
